package domain

const DefaultContact = "Home Assistant"

// Contacts is an ordered list of call destinations with a cursor.
type Contacts struct {
	Names    []string `json:"names"`
	Selected int      `json:"selected"`
}

// Current returns the selected destination, or "" when the list is empty.
func (c Contacts) Current() string {
	if len(c.Names) == 0 || c.Selected < 0 || c.Selected >= len(c.Names) {
		return ""
	}
	return c.Names[c.Selected]
}
