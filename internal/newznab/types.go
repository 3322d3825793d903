package newznab

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// --- Capabilities (t=caps) ---

type Caps struct {
	XMLName    xml.Name      `xml:"caps"`
	Server     ServerInfo    `xml:"server"`
	Limits     Limits        `xml:"limits"`
	Retention  Retention     `xml:"retention"`
	Searching  Searching     `xml:"searching"`
	Categories []CapCategory `xml:"categories>category"`
}

type ServerInfo struct {
	Version string `xml:"version,attr"`
	Title   string `xml:"title,attr"`
}

type Limits struct {
	Max     int `xml:"max,attr"`
	Default int `xml:"default,attr"`
}

type Retention struct {
	Days int `xml:"days,attr"`
}

type Searching struct {
	Search     SearchCap `xml:"search"`
	BookSearch SearchCap `xml:"book-search"`
}

type SearchCap struct {
	Available       string `xml:"available,attr"`
	SupportedParams string `xml:"supportedParams,attr"`
}

// Supported reports whether the indexer advertises the search type.
func (s SearchCap) Supported() bool {
	return strings.EqualFold(s.Available, "yes")
}

type CapCategory struct {
	ID      int         `xml:"id,attr"`
	Name    string      `xml:"name,attr"`
	SubCats []CapSubCat `xml:"subcat"`
}

type CapSubCat struct {
	ID   int    `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

// --- Search results (t=search / t=book) ---

type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel Channel  `xml:"channel"`
}

type Channel struct {
	Title       string   `xml:"title"`
	Description string   `xml:"description"`
	Link        string   `xml:"link"`
	Items       []Item   `xml:"item"`
	Response    Response `xml:"response"`
}

// Item is one hit. Attributes are the newznab:attr extensions; the
// namespace prefix is not matched so torznab-style feeds decode too.
type Item struct {
	Title      string    `xml:"title"`
	GUID       GUID      `xml:"guid"`
	Link       string    `xml:"link"`
	Comments   string    `xml:"comments"`
	Category   string    `xml:"category"`
	PubDate    string    `xml:"pubDate"`
	Enclosure  Enclosure `xml:"enclosure"`
	Attributes []Attr    `xml:"attr"`
}

type GUID struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

type Enclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type Attr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type Response struct {
	Offset int `xml:"offset,attr"`
	Total  int `xml:"total,attr"`
}

// Attr returns the first attribute called name.
func (i Item) Attr(name string) (string, bool) {
	for _, a := range i.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// Size is the size attribute, falling back to the enclosure length.
func (i Item) Size() int64 {
	if v, ok := i.Attr("size"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return i.Enclosure.Length
}

// --- Error document ---

// APIError is the <error code=".." description=".."/> document indexers
// return in place of a result feed.
type APIError struct {
	Code        int    `xml:"code,attr"`
	Description string `xml:"description,attr"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("newznab error %d: %s", e.Code, e.Description)
}

// --- NZB document (t=get) ---

type NZB struct {
	XMLName xml.Name  `xml:"nzb"`
	Meta    []NZBMeta `xml:"head>meta"`
	Files   []NZBFile `xml:"file"`
}

type NZBMeta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type NZBFile struct {
	Poster   string       `xml:"poster,attr"`
	Date     int64        `xml:"date,attr"`
	Subject  string       `xml:"subject,attr"`
	Groups   []string     `xml:"groups>group"`
	Segments []NZBSegment `xml:"segments>segment"`
}

type NZBSegment struct {
	ID     string `xml:",chardata"`
	Number int    `xml:"number,attr"`
	Bytes  int64  `xml:"bytes,attr"`
}

// MetaValue returns the first head meta entry of type t.
func (n *NZB) MetaValue(t string) string {
	for _, m := range n.Meta {
		if strings.EqualFold(m.Type, t) {
			return strings.TrimSpace(m.Value)
		}
	}
	return ""
}

// TotalBytes sums the advertised segment sizes.
func (n *NZB) TotalBytes() int64 {
	var total int64
	for _, f := range n.Files {
		for _, s := range f.Segments {
			total += s.Bytes
		}
	}
	return total
}

// ParseNZB decodes an NZB document. Indexers answer t=get with an error
// document on bad credentials or exhausted grabs; those map onto the same
// sentinel errors as a failed search. A document without files is rejected.
func ParseNZB(r io.Reader) (*NZB, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading nzb: %v", ErrProviderResponse, err)
	}
	var doc NZB
	if err := decodeDocument(body, &doc); err != nil {
		return nil, classify(err)
	}
	if len(doc.Files) == 0 {
		return nil, fmt.Errorf("%w: nzb lists no files", ErrProviderResponse)
	}
	return &doc, nil
}

// decodeDocument decodes a search or caps response into v, turning a
// newznab error document into an *APIError.
func decodeDocument(body []byte, v any) error {
	var root struct {
		XMLName     xml.Name
		Code        int    `xml:"code,attr"`
		Description string `xml:"description,attr"`
	}
	if err := newDecoder(bytes.NewReader(body)).Decode(&root); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderResponse, err)
	}
	if root.XMLName.Local == "error" {
		return &APIError{Code: root.Code, Description: root.Description}
	}
	if err := newDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderResponse, err)
	}
	return nil
}

// newDecoder accepts any declared charset. Indexers routinely label UTF-8
// feeds as iso-8859-1, which encoding/xml would otherwise refuse.
func newDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return d
}
