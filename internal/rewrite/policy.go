package rewrite

// LinkKind distinguishes links the user navigates to from subresources the
// page loads. The two can be routed through different endpoints.
type LinkKind int

const (
	Navigation LinkKind = iota + 1
	Resource
)

func (k LinkKind) String() string {
	switch k {
	case Navigation:
		return "navigation"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Policy decides whether an attribute of an element carries a link that
// must be rewritten, and which kind of link it is. Tag and attribute names
// are lower-case.
type Policy interface {
	LinkKind(tag, attr string) (LinkKind, bool)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(tag, attr string) (LinkKind, bool)

// LinkKind implements Policy.
func (f PolicyFunc) LinkKind(tag, attr string) (LinkKind, bool) {
	return f(tag, attr)
}

var linkAttrs = map[string]map[string]LinkKind{
	"a":      {"href": Navigation},
	"area":   {"href": Navigation},
	"form":   {"action": Navigation},
	"button": {"formaction": Navigation},
	"input":  {"formaction": Navigation, "src": Resource},
	"link":   {"href": Resource},
	"script": {"src": Resource},
	"img":    {"src": Resource},
	"iframe": {"src": Resource},
	"frame":  {"src": Resource},
	"source": {"src": Resource},
	"embed":  {"src": Resource},
	"audio":  {"src": Resource},
	"video":  {"src": Resource, "poster": Resource},
	"track":  {"src": Resource},
}

// DefaultPolicy rewrites href on anchors, areas and links, src on scripts,
// images, frames and media, and form targets.
var DefaultPolicy Policy = PolicyFunc(func(tag, attr string) (LinkKind, bool) {
	kind, ok := linkAttrs[tag][attr]
	return kind, ok
})
