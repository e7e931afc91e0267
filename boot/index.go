package boot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Paths the boot handler serves.
const (
	BundlePath    = "/.littlebook/bundle.js"
	BundleCSSPath = "/.littlebook/bundle.css"
	EarlyInitPath = "/.littlebook/early-init.js"
)

//go:embed index.html
var indexHTML []byte

// Index renders the page document for r: the phase background, the
// import map, the user early-init script and the bundled entry program.
func (r *Result) Index() ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(indexHTML))
	if err != nil {
		return nil, err
	}
	root := find(doc, atom.Html)
	head := find(doc, atom.Head)
	if root == nil || head == nil {
		return nil, fmt.Errorf("index: missing html or head element")
	}

	head.AppendChild(element(atom.Style, nil, "html{background:"+r.Background+"}"))
	if r.Err != nil {
		root.Attr = append(root.Attr, html.Attribute{Key: "data-littlebook-error", Val: r.Err.Error()})
	}
	if r.Imports != nil {
		m, err := json.MarshalIndent(r.Imports, "", "  ")
		if err != nil {
			return nil, err
		}
		head.AppendChild(element(atom.Script, []html.Attribute{{Key: "type", Val: "importmap"}}, string(m)))
	}
	if r.EarlyInit != nil {
		head.AppendChild(element(atom.Script, []html.Attribute{{Key: "src", Val: EarlyInitPath}}, ""))
	}
	if r.Bundle != nil {
		if len(r.Bundle.CSS) > 0 {
			head.AppendChild(element(atom.Link, []html.Attribute{
				{Key: "rel", Val: "stylesheet"},
				{Key: "href", Val: BundleCSSPath},
			}, ""))
		}
		head.AppendChild(element(atom.Script, []html.Attribute{
			{Key: "type", Val: "module"},
			{Key: "src", Val: BundlePath},
		}, ""))
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func element(a atom.Atom, attrs []html.Attribute, text string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
	return n
}

// Handler serves the page document and the boot artifacts. Other
// requests go to fallback, if there is one.
func (r *Result) Handler(log *slog.Logger, fallback http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	if fallback != nil {
		mux.Handle("/", fallback)
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, req *http.Request) {
		b, err := r.Index()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(b)
	})
	serve := func(path, contentType string, data func() []byte) {
		mux.HandleFunc("GET "+path, func(w http.ResponseWriter, req *http.Request) {
			b := data()
			if b == nil {
				http.NotFound(w, req)
				return
			}
			w.Header().Set("Content-Type", contentType)
			w.Write(b)
		})
	}
	serve(BundlePath, "text/javascript", func() []byte {
		if r.Bundle == nil {
			return nil
		}
		return r.Bundle.JS
	})
	serve(BundleCSSPath, "text/css", func() []byte {
		if r.Bundle == nil || len(r.Bundle.CSS) == 0 {
			return nil
		}
		return r.Bundle.CSS
	})
	serve(EarlyInitPath, "text/javascript", func() []byte { return r.EarlyInit })
	return logRequests(log, mux)
}

func logRequests(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("served", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}
