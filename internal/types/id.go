// README: Entity identifiers shared across modules.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID accepts only canonical UUID strings.
func ParseID(v string) (ID, bool) {
	u, err := uuid.Parse(v)
	if err != nil {
		return "", false
	}
	return ID(u.String()), true
}

func (id ID) String() string { return string(id) }
