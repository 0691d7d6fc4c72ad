package object

import (
	"time"
)

// NewSignature stamps an identity with t, keeping the zone offset of t.
func NewSignature(name, email string, t time.Time) Signature {
	return Signature{
		Name:     name,
		Email:    email,
		When:     t.Unix(),
		Timezone: t.Format("-0700"),
	}
}
