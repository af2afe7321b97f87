package whatsapp

// Template is one pre-approved construct registered with the provider.
// Templates may be sent regardless of conversation-window state.
type Template struct {
	Name         string
	LanguageCode string
	Body         string
}

// Catalog maps canonical body text to registered templates. Lookup is by
// exact body match only; a message that merely contains template text as a
// substring is not a template send.
type Catalog struct {
	byBody   map[string]Template
	byName   map[string]Template
	fallback Template
}

func NewCatalog(templates []Template, fallback Template) *Catalog {
	c := &Catalog{
		byBody:   make(map[string]Template, len(templates)),
		byName:   make(map[string]Template, len(templates)),
		fallback: fallback,
	}
	for _, t := range templates {
		c.byBody[t.Body] = t
		c.byName[t.Name] = t
	}
	c.byName[fallback.Name] = fallback
	return c
}

// Match returns the template whose canonical content equals body exactly.
func (c *Catalog) Match(body string) (Template, bool) {
	t, ok := c.byBody[body]
	return t, ok
}

func (c *Catalog) ByName(name string) (Template, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Fallback is the designated default template used when free-form delivery
// is forbidden outside an active user-initiated window.
func (c *Catalog) Fallback() Template { return c.fallback }

// DefaultCatalog mirrors the templates registered for the coaching account.
func DefaultCatalog() *Catalog {
	templates := []Template{
		{Name: "celebration_message_6", LanguageCode: "en_US", Body: "🎉 What are we celebrating today?"},
		{Name: "celebration_message_7", LanguageCode: "en_US", Body: "✨ What are you grateful for?"},
		{Name: "celebration_message_9", LanguageCode: "en_US", Body: "🌟 What victory are you proud of today?"},
		{Name: "celebration_message_1", LanguageCode: "en_US", Body: "🎊 What positive moment made your day?"},
		{Name: "celebration_message_8", LanguageCode: "en_US", Body: "💫 What breakthrough did you experience?"},
		{Name: "celebration_message_2", LanguageCode: "en_US", Body: "📝 How did you progress on your goals today?"},
		{Name: "celebration_message_3", LanguageCode: "en_US", Body: "🎯 What action did you take towards your target?"},
		{Name: "celebration_message_4", LanguageCode: "en_US", Body: "💪 What challenge did you overcome today?"},
		{Name: "celebration_message_5", LanguageCode: "en_US", Body: "📈 How are you measuring your progress?"},
	}
	fallback := Template{Name: "hello_world", LanguageCode: "en_US", Body: "Hello! We have an update for you."}
	return NewCatalog(templates, fallback)
}
