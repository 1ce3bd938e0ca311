package clevis

import "fmt"

// Format renders a pin the way `clevis luks list` prints it: the pin name followed by
// its configuration in single quotes, e.g. tang '{"url":"http://tang.local"}'.
// Unknown pins print their name only: unknown 'foo'.
// sss members are grouped under "pins" by kind in the order tang, tpm2, sss, other kinds follow
// in the order they first appear; pins of one kind keep their listed order.
func Format(p Pin) string {
	if u, ok := p.(*UnknownPin); ok {
		return fmt.Sprintf("unknown '%s'", u.Name)
	}
	return fmt.Sprintf("%s '%s'", p.Kind(), p.Params().Text())
}
