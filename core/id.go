package core

import "github.com/google/uuid"

func newAgentID() string {
	return uuid.NewString()
}
