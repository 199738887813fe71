package session

import "github.com/hupe1980/agentcore/errs"

func notFound(id string) error {
	return errs.Newf(errs.SessionNotFound, "session %q not found", id)
}
