package relay

// Message types exchanged between the relay and pages.
const (
	TypeHello    = "hello"
	TypeControl  = "control"
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Message is one JSON frame on the page connection. Which fields are set
// depends on Type:
//
//	hello     page → relay   {client, version}
//	control   relay → page   {version}
//	request   relay → page   {id, address, options}
//	response  page → relay   {id, status, headers, body} or {id, error}
type Message struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Client  string            `json:"client,omitempty"`
	Version string            `json:"version,omitempty"`
	Address string            `json:"address,omitempty"`
	Options *RequestOptions   `json:"options,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type RequestOptions struct {
	Method      string            `json:"method"`
	Destination string            `json:"destination"`
	Referrer    string            `json:"referrer,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}
