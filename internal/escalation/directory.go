package escalation

// Contact is a static address book entry for a role
type Contact struct {
	ID    string `yaml:"id" json:"id,omitempty"`
	Email string `yaml:"email" json:"email,omitempty"`
	Phone string `yaml:"phone" json:"phone,omitempty"`
}

// Recipient is a resolved delivery target
type Recipient struct {
	Role  string
	ID    string
	Email string
	Phone string
}

// Directory resolves a role tag to a recipient for one entity
type Directory interface {
	Resolve(role string, fields map[string]any) Recipient
}

// StaticDirectory resolves roles from configured contacts.
// Entity fields <role>_id, <role>_email and <role>_phone take precedence.
type StaticDirectory map[string]Contact

// Resolve implements Directory
func (d StaticDirectory) Resolve(role string, fields map[string]any) Recipient {
	c := d[role]
	return Recipient{
		Role:  role,
		ID:    fieldOr(fields, role+"_id", c.ID),
		Email: fieldOr(fields, role+"_email", c.Email),
		Phone: fieldOr(fields, role+"_phone", c.Phone),
	}
}

func fieldOr(fields map[string]any, key, fallback string) string {
	if v, ok := fields[key]; ok && v != nil {
		if s := formatValue(v); s != "" {
			return s
		}
	}
	return fallback
}
