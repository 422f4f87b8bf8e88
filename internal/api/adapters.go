package api

import (
	"context"

	"github.com/arlov/voxnote/internal/postprocess"
	"github.com/arlov/voxnote/internal/session"
	"github.com/arlov/voxnote/internal/storage/sqlite"
	"github.com/arlov/voxnote/internal/upstream"
)

// sessionStore combines the session and result storages into the session
// package's write-through persistence boundary
type sessionStore struct {
	sessions *sqlite.SessionStorage
	results  *sqlite.ResultStorage
}

func (s *sessionStore) SaveSession(record *sqlite.SessionRecord) error {
	return s.sessions.SaveSession(record)
}

func (s *sessionStore) SaveResult(sessionID string, result *postprocess.Result) error {
	return s.results.StoreResult(sessionID, result)
}

// linkOpener adapts the provider dialer to the session package's Opener
// boundary
type linkOpener struct {
	dialer *upstream.Dialer
}

func (o linkOpener) Open(ctx context.Context, sessionID string, format upstream.AudioFormat) (session.Link, error) {
	link, err := o.dialer.Dial(ctx, sessionID, format)
	if err != nil {
		return nil, err
	}
	return link, nil
}
