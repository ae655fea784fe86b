package messaging

import "context"

// Store is the synchronous thread/message contract a viewer session works against.
// Implementations act on behalf of a single, already authenticated viewer.
type Store interface {
	Access(ctx context.Context) (Access, error)
	ListThreads(ctx context.Context) ([]ThreadView, error)
	GetOrCreateThread(ctx context.Context, counterpartID uint) (ThreadView, error)
	ListMessages(ctx context.Context, threadID uint) ([]Message, error)
	SendMessage(ctx context.Context, threadID uint, body string) (Message, error)
	MarkParticipantRead(ctx context.Context, participantID uint) (ParticipantState, error)
}
