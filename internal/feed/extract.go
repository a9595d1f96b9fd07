package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	logx "tgrelay/pkg/logx"
)

// Markup markers of the public feed layout.
const (
	classMessage     = "tgme_widget_message"
	classMessageText = "tgme_widget_message_text"
	classReply       = "tgme_widget_message_reply"
	classHistory     = "tgme_channel_history"
	classPage        = "tgme_page"
	attrPost         = "data-post"
)

// Placeholder texts for messages without a text block.
const (
	PlaceholderImage    = "[image message]"
	PlaceholderVideo    = "[video message]"
	PlaceholderAudio    = "[audio message]"
	PlaceholderDocument = "[document message]"
	PlaceholderMedia    = "[media message]"
)

var mediaMarkers = []struct {
	selector    string
	placeholder string
}{
	{`[class*="tgme_widget_message_photo"]`, PlaceholderImage},
	{`[class*="tgme_widget_message_video"]`, PlaceholderVideo},
	{`[class*="tgme_widget_message_audio"], [class*="tgme_widget_message_voice"]`, PlaceholderAudio},
	{`[class*="tgme_widget_message_document"]`, PlaceholderDocument},
}

// PageKind classifies a fetched feed page.
type PageKind int

const (
	// PageUnknown is markup without any recognizable feed structure.
	PageUnknown PageKind = iota
	// PageFeed is a channel history page (possibly with zero messages).
	PageFeed
	// PageUnavailable is a not-found, private or login-walled channel page.
	PageUnavailable
)

func (k PageKind) String() string {
	switch k {
	case PageFeed:
		return "feed"
	case PageUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Page is the result of parsing one feed page.
type Page struct {
	Kind     PageKind
	Messages []Message
	// Containers counts message containers seen, including skipped ones.
	Containers int
}

// Extractor turns feed markup into message records.
type Extractor struct {
	log logx.Logger
	now func() time.Time
}

func NewExtractor(log logx.Logger) *Extractor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Extractor{log: log, now: time.Now}
}

// Extract returns the messages of raw in document order. It never fails:
// unparseable containers are skipped and unusable pages yield nil.
func Extract(raw, handle string) []Message {
	return NewExtractor(logx.Nop()).Parse(raw, handle).Messages
}

func (x *Extractor) Extract(raw, handle string) []Message {
	return x.Parse(raw, handle).Messages
}

// Parse classifies raw and extracts its messages.
func (x *Extractor) Parse(raw, handle string) Page {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		x.log.Warn("feed markup unparseable", logx.String("channel", handle), logx.Err(err))
		return Page{Kind: PageUnknown}
	}

	containers := doc.Find("." + classMessage + "[" + attrPost + "]")
	if containers.Length() == 0 {
		kind := PageUnknown
		switch {
		case doc.Find("."+classHistory).Length() > 0:
			kind = PageFeed
		case doc.Find("."+classPage).Length() > 0:
			kind = PageUnavailable
		}
		if kind == PageUnavailable {
			x.log.Info("channel feed unavailable", logx.String("channel", handle))
		}
		return Page{Kind: kind}
	}

	page := Page{Kind: PageFeed, Containers: containers.Length()}
	observed := x.now()
	containers.Each(func(_ int, s *goquery.Selection) {
		m, ok, err := x.container(s, handle, observed)
		if err != nil {
			x.log.Warn("skipping message container", logx.String("channel", handle), logx.Err(err))
			return
		}
		if !ok {
			x.log.Debug("skipping empty message", logx.String("channel", handle), logx.String("id", m.ID))
			return
		}
		page.Messages = append(page.Messages, m)
	})
	x.log.Debug("feed parsed",
		logx.String("channel", handle),
		logx.Int("containers", page.Containers),
		logx.Int("messages", len(page.Messages)),
	)
	return page
}

func (x *Extractor) container(s *goquery.Selection, handle string, observed time.Time) (m Message, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic extracting container: %v", r)
		}
	}()

	id := strings.TrimSpace(s.AttrOr(attrPost, ""))
	if id == "" {
		return Message{}, false, fmt.Errorf("container without %s value", attrPost)
	}
	m = Message{ID: id, Channel: handle, ObservedAt: observed}

	textBlocks := s.Find("." + classMessageText).FilterFunction(func(_ int, t *goquery.Selection) bool {
		return t.ParentsFiltered("."+classReply).Length() == 0
	})
	if textBlocks.Length() > 0 {
		m.Text = NormalizeText(textBlocks.First())
	} else {
		m.Text = placeholderFor(s)
	}
	return m, m.Text != "", nil
}

func placeholderFor(s *goquery.Selection) string {
	for _, mk := range mediaMarkers {
		if s.Find(mk.selector).Length() > 0 {
			return mk.placeholder
		}
	}
	return PlaceholderMedia
}

// NormalizeText flattens the nodes of s to plain text with entities decoded
// and whitespace runs collapsed to single spaces.
func NormalizeText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		writeText(&b, n)
	}
	return CollapseSpace(b.String())
}

// CollapseSpace replaces whitespace runs (including NBSP) with one space and trims.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style":
			return
		case "br":
			b.WriteByte(' ')
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if n.Type == html.ElementNode && isBlock(n.Data) {
		b.WriteByte(' ')
	}
}

func isBlock(tag string) bool {
	switch tag {
	case "div", "p", "blockquote", "li", "pre", "tr":
		return true
	}
	return false
}
