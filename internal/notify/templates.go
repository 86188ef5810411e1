// Package notify renders the customer-facing SMS texts for each waybill
// lifecycle event. Wording lives in an x/text message catalog keyed by
// language; Swahili is the default and English is available for operators
// serving non-Swahili customers.
package notify

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// Vars are the values substituted into a template.
type Vars struct {
	Name          string
	WaybillNumber string
	Origin        string
	Destination   string
	Region        string
}

var supported = []language.Tag{language.Swahili, language.English}

var matcher = language.NewMatcher(supported)

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.Swahili))

	sw := language.Swahili
	must(b.SetString(sw, string(domain.TemplateReceipt),
		"Habari %[1]s, mizigo yako namba %[2]s imepokewa. Tutakujulisha inapoondoka."))
	must(b.SetString(sw, string(domain.TemplateDeparted),
		"Habari %[1]s, mizigo yako namba %[2]s imeondoka kutoka %[3]s. Tutakujulisha ikifika."))
	must(b.SetString(sw, string(domain.TemplateOnTransit),
		"Habari %[1]s, mizigo yako namba %[2]s imefika %[5]s. Tutaendelea kukupa taarifa za safari."))
	must(b.SetString(sw, string(domain.TemplateArrived),
		"Habari %[1]s, mizigo yako namba %[2]s imewasili %[4]s. Karibu kuchukua mizigo yako."))

	en := language.English
	must(b.SetString(en, string(domain.TemplateReceipt),
		"Hello %[1]s, your cargo %[2]s has been received. We will notify you when it departs."))
	must(b.SetString(en, string(domain.TemplateDeparted),
		"Hello %[1]s, your cargo %[2]s has departed from %[3]s. We will notify you on arrival."))
	must(b.SetString(en, string(domain.TemplateOnTransit),
		"Hello %[1]s, your cargo %[2]s has reached %[5]s. We will keep you updated along the way."))
	must(b.SetString(en, string(domain.TemplateArrived),
		"Hello %[1]s, your cargo %[2]s has arrived in %[4]s. You are welcome to collect it."))
	return b
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Renderer produces message texts in one language.
type Renderer struct {
	tag     language.Tag
	printer *message.Printer
}

// NewRenderer returns a Renderer for the closest supported match of lang
// (a BCP 47 tag such as "sw", "en-GB"). Unknown tags fall back to Swahili.
func NewRenderer(lang string) *Renderer {
	tag := language.Swahili
	if t, err := language.Parse(lang); err == nil {
		_, idx, conf := matcher.Match(t)
		if conf != language.No {
			tag = supported[idx]
		}
	}
	return &Renderer{
		tag:     tag,
		printer: message.NewPrinter(tag, message.Catalog(newCatalog())),
	}
}

// Language is the resolved catalog language.
func (r *Renderer) Language() language.Tag { return r.tag }

// Render returns the text for key with v substituted.
func (r *Renderer) Render(key domain.TemplateKey, v Vars) string {
	return r.printer.Sprintf(string(key), v.Name, v.WaybillNumber, v.Origin, v.Destination, v.Region)
}
