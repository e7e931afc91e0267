package machine

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// DestinationScript is the request destination of module imports.
const DestinationScript = "script"

// StyleKey is the data attribute that tags injected style elements with
// the address they were loaded from.
const StyleKey = "data-littlebook-css"

// Artifact is the output of the transform stage on its way to becoming a
// response.
type Artifact struct {
	// Address is the address the request asked for.
	Address string
	// Resolved is where it was read from.
	Resolved    string
	Contents    []byte
	ContentType string
	Destination string
	Headers     Headers
	Warnings    []Message
}

// Rule rewrites an artifact after the transform stage. Rules see the
// output of the rules before them and return a new artifact.
type Rule struct {
	Name  string
	Apply func(ctx context.Context, m *Context, a Artifact) (Artifact, error)
}

// DefaultRules are applied in order to every artifact.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "register-script", Apply: registerScript},
		{Name: "wrap-stylesheet", Apply: wrapStylesheet},
		{Name: "promote-data", Apply: promoteData},
	}
}

func registerScript(ctx context.Context, m *Context, a Artifact) (Artifact, error) {
	if a.Destination != DestinationScript || a.ContentType != ScriptType || m.Sidecar == nil {
		return a, nil
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Warn("sidecar registration failed", "address", a.Address, "panic", r)
			}
		}()
		m.Sidecar.Register(a.Address, a.Contents)
	}()
	return a, nil
}

func wrapStylesheet(ctx context.Context, m *Context, a Artifact) (Artifact, error) {
	if a.Destination != DestinationScript || a.ContentType != "text/css" {
		return a, nil
	}
	a.Contents = StyleModule(a.Address, a.Contents)
	a.ContentType = ScriptType
	return a, nil
}

func promoteData(ctx context.Context, m *Context, a Artifact) (Artifact, error) {
	if a.Destination != DestinationScript || a.ContentType != "application/json" {
		return a, nil
	}
	a.ContentType = ScriptType
	return a, nil
}

// StyleModule returns a module script that injects css into the document
// under a style element keyed by address, updating that element when the
// module is evaluated again, and default-exports the css text.
func StyleModule(address string, css []byte) []byte {
	selector := `style[` + StyleKey + `="` + cssString(address) + `"]`
	var b bytes.Buffer
	b.WriteString("const style = " + jsString(string(css)) + "\n")
	b.WriteString("const existing = document.querySelector(" + jsString(selector) + ")\n")
	b.WriteString("const element = existing ?? document.createElement(\"style\")\n")
	b.WriteString("element.dataset.littlebookCss = " + jsString(address) + "\n")
	b.WriteString("element.textContent = style\n")
	b.WriteString("if (!existing) document.head.appendChild(element)\n")
	b.WriteString("export default style\n")
	return b.Bytes()
}

func jsString(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}

func cssString(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
