package saga

import "context"

/*
SessionStrategy decides who owns the lifetime of the session a repository works in. The repository
either opens, commits and closes a session per message, or works in a session owned by the caller,
who commits it as part of a larger unit of work.
*/
type SessionStrategy interface {
	Open(ctx context.Context) (*Session, error)
	// Claim pre-inserts an instance to take its correlation id ahead of concurrent creators.
	Claim(ctx context.Context, session *Session, key string, sagaType string, correlationId string, value interface{}) (InsertResult, error)
	Commit(ctx context.Context, session *Session) error
	Release(session *Session)
}

type ownedSessions struct {
	store Store
}

//Sessions opened, committed and closed by the repository for every call.
func OwnedSessions(store Store) SessionStrategy {
	return &ownedSessions{store: store}
}

func (o *ownedSessions) Open(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewSession(o.store), nil
}

func (o *ownedSessions) Claim(ctx context.Context, session *Session, key string, sagaType string, correlationId string, value interface{}) (InsertResult, error) {
	return session.Insert(ctx, key, sagaType, correlationId, value)
}

func (o *ownedSessions) Commit(ctx context.Context, session *Session) error {
	return session.Commit(ctx)
}

func (o *ownedSessions) Release(session *Session) {
	session.Close()
}

type sharedSession struct {
	session *Session
}

/*
A session owned by the caller. The repository never commits it: claims and writes stay staged until
the caller commits, and a lost creation race surfaces as ErrStoreConflict from that commit.
*/
func SharedSession(session *Session) SessionStrategy {
	return &sharedSession{session: session}
}

func (s *sharedSession) Open(ctx context.Context) (*Session, error) {
	return s.session, nil
}

func (s *sharedSession) Claim(ctx context.Context, session *Session, key string, sagaType string, correlationId string, value interface{}) (InsertResult, error) {
	found, err := session.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if found {
		return RaceLost, nil
	}
	if err := session.Store(key, sagaType, correlationId, value); err != nil {
		return 0, err
	}
	return Inserted, nil
}

func (s *sharedSession) Commit(ctx context.Context, session *Session) error {
	return nil
}

func (s *sharedSession) Release(session *Session) {}
