package network

import "github.com/gofrs/uuid"

type Uid string

const EmptyUid Uid = ""

func NewUid() Uid { return Uid(uuid.Must(uuid.NewV4()).String()) }

func ValidUid(u Uid) bool {
	_, err := uuid.FromString(string(u))
	return err == nil
}

func (u Uid) String() string { return string(u) }

// Short is a log friendly form of the id.
func (u Uid) Short() string {
	if len(u) < 8 {
		return string(u)
	}
	return string(u)[:4] + "." + string(u)[len(u)-4:]
}
