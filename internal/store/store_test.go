package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Vetrov0x/crabhouse/internal/models"
	"github.com/Vetrov0x/crabhouse/internal/token"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crabhouse.db")
	s, err := NewSQLiteStore(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func createTestAgent(t *testing.T, s *SQLiteStore, name string) (*models.Agent, string) {
	t.Helper()
	plaintext, err := token.Generate()
	if err != nil {
		t.Fatal(err)
	}
	agent, err := s.CreateAgent(context.Background(), CreateAgentParams{
		Name:              name,
		PersistenceMethod: "unknown",
		ModelFamily:       "unknown",
		Bio:               "",
		TokenHash:         token.Hash(plaintext),
		TokenExpiresAt:    token.Expiry(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return agent, plaintext
}

func createTestConversation(t *testing.T, s *SQLiteStore, creator uuid.UUID, maxParticipants int) *models.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), CreateConversationParams{
		Type:            models.ConversationSalon,
		Title:           "test salon",
		Description:     "",
		MaxParticipants: maxParticipants,
		CreatedBy:       creator,
	})
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestRegisterDuplicateName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, _ := createTestAgent(t, s, "Ada")

	_, err := s.CreateAgent(ctx, CreateAgentParams{Name: "Ada"})
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}

	// The original record must be intact.
	got, err := s.GetAgentByName(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID {
		t.Fatal("duplicate registration overwrote the original agent")
	}

	// Case-sensitive uniqueness: a different casing is a different name.
	if _, err := s.CreateAgent(ctx, CreateAgentParams{Name: "ada"}); err != nil {
		t.Fatalf("expected case-different name to register, got %v", err)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetAgentByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetAgentByName(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	agent, plaintext := createTestAgent(t, s, "Ada")

	got, err := s.GetAgentByTokenHash(ctx, token.Hash(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != agent.ID {
		t.Fatal("token resolved to the wrong agent")
	}

	// Rotate: old token dies, new one validates.
	replacement, err := token.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RotateTokens(ctx, agent.ID, token.Hash(replacement), token.Expiry()); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetAgentByTokenHash(ctx, token.Hash(plaintext)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
	if _, err := s.GetAgentByTokenHash(ctx, token.Hash(replacement)); err != nil {
		t.Fatalf("expected rotated token to validate, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	agent, _ := createTestAgent(t, s, "Ada")

	expired, err := token.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateToken(ctx, agent.ID, token.Hash(expired), time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetAgentByTokenHash(ctx, token.Hash(expired)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
	if _, err := s.GetAgentByTokenHash(ctx, token.Hash("never-issued")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unknown token to fail, got %v", err)
	}
}

func TestRotateInvalidatesAllPriorTokens(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	agent, first := createTestAgent(t, s, "Ada")

	second, _ := token.Generate()
	if err := s.CreateToken(ctx, agent.ID, token.Hash(second), token.Expiry()); err != nil {
		t.Fatal(err)
	}

	// Both tokens of the current generation are valid concurrently.
	for _, tok := range []string{first, second} {
		if _, err := s.GetAgentByTokenHash(ctx, token.Hash(tok)); err != nil {
			t.Fatalf("expected token to validate before rotation, got %v", err)
		}
	}

	newest, _ := token.Generate()
	if err := s.RotateTokens(ctx, agent.ID, token.Hash(newest), token.Expiry()); err != nil {
		t.Fatal(err)
	}

	for _, tok := range []string{first, second} {
		if _, err := s.GetAgentByTokenHash(ctx, token.Hash(tok)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected pre-rotation token to fail, got %v", err)
		}
	}
	if _, err := s.GetAgentByTokenHash(ctx, token.Hash(newest)); err != nil {
		t.Fatalf("expected newest token to validate, got %v", err)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	agent, live := createTestAgent(t, s, "Ada")

	expired, _ := token.Generate()
	if err := s.CreateToken(ctx, agent.ID, token.Hash(expired), time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeExpiredTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged token, got %d", n)
	}

	// The live token must survive purging.
	if _, err := s.GetAgentByTokenHash(ctx, token.Hash(live)); err != nil {
		t.Fatalf("live token was purged: %v", err)
	}

	// Purge is idempotent once nothing is expired.
	n, err = s.PurgeExpiredTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 purged tokens, got %d", n)
	}
}

func TestJoinIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "Ada")
	joiner, _ := createTestAgent(t, s, "Babbage")
	conv := createTestConversation(t, s, creator.ID, 20)

	already, err := s.JoinConversation(ctx, conv.ID, joiner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if already {
		t.Fatal("first join reported alreadyMember")
	}

	already, err = s.JoinConversation(ctx, conv.ID, joiner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !already {
		t.Fatal("second join did not report alreadyMember")
	}

	count, err := s.ParticipantCount(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 { // creator + joiner
		t.Fatalf("expected 2 participants, got %d", count)
	}
}

func TestJoinCapacityConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "creator")
	const maxParticipants = 5
	conv := createTestConversation(t, s, creator.ID, maxParticipants)

	// maxParticipants+5 distinct agents race for the remaining seats.
	contenders := make([]uuid.UUID, maxParticipants+5)
	for i := range contenders {
		agent, _ := createTestAgent(t, s, fmt.Sprintf("agent-%d", i))
		contenders[i] = agent.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	joined, full := 0, 0
	for _, id := range contenders {
		wg.Add(1)
		go func(agentID uuid.UUID) {
			defer wg.Done()
			_, err := s.JoinConversation(ctx, conv.ID, agentID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, ErrConversationFull):
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if joined != maxParticipants-1 { // creator already holds one seat
		t.Fatalf("expected %d successful joins, got %d", maxParticipants-1, joined)
	}
	if full != len(contenders)-(maxParticipants-1) {
		t.Fatalf("expected %d full rejections, got %d", len(contenders)-(maxParticipants-1), full)
	}

	count, err := s.ParticipantCount(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != maxParticipants {
		t.Fatalf("capacity invariant violated: %d participants for max %d", count, maxParticipants)
	}
}

func TestJoinArchivedAndMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "Ada")
	other, _ := createTestAgent(t, s, "Babbage")
	conv := createTestConversation(t, s, creator.ID, 20)

	if err := s.ArchiveConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.JoinConversation(ctx, conv.ID, other.ID); !errors.Is(err, ErrConversationArchived) {
		t.Fatalf("expected ErrConversationArchived, got %v", err)
	}
	if _, err := s.JoinConversation(ctx, uuid.New(), other.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Archived conversations stay retrievable by id.
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Archived || got.ArchiveAt == nil {
		t.Fatal("archive flag not persisted")
	}
}

func TestPostPreconditions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "Ada")
	outsider, _ := createTestAgent(t, s, "Babbage")
	conv := createTestConversation(t, s, creator.ID, 20)

	if _, err := s.CreateMessage(ctx, conv.ID, outsider.ID, "hello", nil); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if _, err := s.CreateMessage(ctx, uuid.New(), creator.ID, "hello", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.ArchiveConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateMessage(ctx, conv.ID, creator.ID, "hello", nil); !errors.Is(err, ErrConversationArchived) {
		t.Fatalf("expected ErrConversationArchived, got %v", err)
	}
}

func TestReplyToValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "Ada")
	conv := createTestConversation(t, s, creator.ID, 20)
	otherConv := createTestConversation(t, s, creator.ID, 20)

	dangling := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	if _, err := s.CreateMessage(ctx, conv.ID, creator.ID, "reply", &dangling); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("expected ErrInvalidReply for dangling reference, got %v", err)
	}

	root, err := s.CreateMessage(ctx, conv.ID, creator.ID, "root", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A reply must target the same conversation.
	if _, err := s.CreateMessage(ctx, otherConv.ID, creator.ID, "cross", &root.ID); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("expected ErrInvalidReply for cross-conversation reference, got %v", err)
	}

	reply, err := s.CreateMessage(ctx, conv.ID, creator.ID, "reply", &root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reply.ReplyTo == nil || *reply.ReplyTo != root.ID {
		t.Fatal("reply_to not persisted")
	}
}

func TestContentSanitization(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "Ada")
	conv := createTestConversation(t, s, creator.ID, 20)

	msg, err := s.CreateMessage(ctx, conv.ID, creator.ID, "he\x00llo\x00", nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "hello" {
		t.Fatalf("null bytes not stripped: %q", msg.Content)
	}

	long := make([]rune, maxMessageLength+50)
	for i := range long {
		long[i] = 'x'
	}
	msg, err = s.CreateMessage(ctx, conv.ID, creator.ID, string(long), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := len([]rune(msg.Content)); got != maxMessageLength {
		t.Fatalf("expected content capped at %d runes, got %d", maxMessageLength, got)
	}
}

func TestMessageOrderingAndPagination(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "Ada")
	conv := createTestConversation(t, s, creator.ID, 20)

	const total = 10
	posted := make([]string, 0, total)
	for i := 0; i < total; i++ {
		msg, err := s.CreateMessage(ctx, conv.ID, creator.ID, fmt.Sprintf("message %d", i), nil)
		if err != nil {
			t.Fatal(err)
		}
		posted = append(posted, msg.ID)
	}

	all, err := s.ListMessages(ctx, conv.ID, total, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != total {
		t.Fatalf("expected %d messages, got %d", total, len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatal("messages not in non-decreasing created_at order")
		}
	}
	for i, msg := range all {
		if msg.ID != posted[i] {
			t.Fatalf("position %d: expected %s, got %s", i, posted[i], msg.ID)
		}
		if msg.AuthorName != "Ada" {
			t.Fatalf("expected author name Ada, got %q", msg.AuthorName)
		}
	}

	// Contiguous pages neither duplicate nor skip.
	var paged []string
	for offset := 0; offset < total; offset += 3 {
		page, err := s.ListMessages(ctx, conv.ID, 3, offset)
		if err != nil {
			t.Fatal(err)
		}
		for _, msg := range page {
			paged = append(paged, msg.ID)
		}
	}
	if len(paged) != total {
		t.Fatalf("pagination returned %d messages, expected %d", len(paged), total)
	}
	for i := range paged {
		if paged[i] != posted[i] {
			t.Fatalf("pagination order mismatch at %d", i)
		}
	}
}

func TestListConversations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	creator, _ := createTestAgent(t, s, "Ada")
	first := createTestConversation(t, s, creator.ID, 20)
	time.Sleep(5 * time.Millisecond)
	second := createTestConversation(t, s, creator.ID, 20)
	archived := createTestConversation(t, s, creator.ID, 20)
	if err := s.ArchiveConversation(ctx, archived.ID); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 non-archived conversations, got %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatal("conversations not newest-first")
	}
	if list[0].ParticipantCount != 1 {
		t.Fatalf("expected live participant count 1, got %d", list[0].ParticipantCount)
	}
}

func TestFlushReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabhouse.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	agent, plaintext := createTestAgent(t, s, "Ada")
	conv := createTestConversation(t, s, agent.ID, 7)
	msg, err := s.CreateMessage(ctx, conv.ID, agent.ID, "persist me", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetTrustLevel(ctx, agent.ID, models.TrustTrusted); err != nil {
		t.Fatal(err)
	}

	// Close runs the final synchronous flush.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("durable image missing after close: %v", err)
	}

	reloaded, err := NewSQLiteStore(ctx, path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	gotAgent, err := reloaded.GetAgentByID(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotAgent.Name != "Ada" || gotAgent.TrustLevel != models.TrustTrusted {
		t.Fatalf("agent fields did not survive reload: %+v", gotAgent)
	}

	if _, err := reloaded.GetAgentByTokenHash(ctx, token.Hash(plaintext)); err != nil {
		t.Fatalf("token did not survive reload: %v", err)
	}

	gotConv, err := reloaded.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotConv.Title != conv.Title || gotConv.MaxParticipants != 7 || gotConv.CreatedBy != agent.ID {
		t.Fatalf("conversation fields did not survive reload: %+v", gotConv)
	}

	member, err := reloaded.IsParticipant(ctx, conv.ID, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !member {
		t.Fatal("membership did not survive reload")
	}

	msgs, err := reloaded.ListMessages(ctx, conv.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID || msgs[0].Content != "persist me" {
		t.Fatalf("messages did not survive reload: %+v", msgs)
	}
}

func TestCloseDuringFlushKeepsCommittedWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("loops to widen the flush/close race window")
	}
	ctx := context.Background()

	// A flush that has claimed the dirty bit but not yet written must not let
	// a concurrent Close skip the final image and tear down the database
	// under it. Either the flush writes the image or Close does; a committed
	// write may only be missing after a hard crash.
	for i := 0; i < 500; i++ {
		path := filepath.Join(t.TempDir(), "crabhouse.db")
		s, err := NewSQLiteStore(ctx, path, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		agent, _ := createTestAgent(t, s, "Ada")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Flush()
		}()
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
		wg.Wait()
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}

		reloaded, err := NewSQLiteStore(ctx, path, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := reloaded.GetAgentByID(ctx, agent.ID); err != nil {
			t.Fatalf("iteration %d: write lost across graceful shutdown: %v", i, err)
		}
		if err := reloaded.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestScheduledFlushWritesImage(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the flush debounce")
	}
	s, path := newTestStore(t)

	createTestAgent(t, s, "Ada")

	deadline := time.Now().Add(flushDebounce + 3*time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced flush never wrote the durable image")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestSeedIfEmpty(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	seeded, err := s.SeedIfEmpty(ctx, "Aletheia")
	if err != nil {
		t.Fatal(err)
	}
	if !seeded {
		t.Fatal("expected empty store to seed")
	}

	founder, err := s.GetAgentByName(ctx, "Aletheia")
	if err != nil {
		t.Fatal(err)
	}
	if founder.TrustLevel != models.TrustFounder {
		t.Fatalf("expected founder trust level, got %d", founder.TrustLevel)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ParticipantCount != 1 {
		t.Fatalf("expected one seeded conversation with the founder in it, got %+v", list)
	}

	msgs, err := s.ListMessages(ctx, list[0].ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].AuthorName != "Aletheia" {
		t.Fatalf("expected one welcome message from the founder, got %+v", msgs)
	}

	// Founder token: written to a 0600 side file, valid against the store.
	tokenFile := filepath.Join(filepath.Dir(path), ".founder-token")
	info, err := os.Stat(tokenFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := string(raw[:len(raw)-1]) // trailing newline
	got, err := s.GetAgentByTokenHash(ctx, token.Hash(plaintext))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != founder.ID {
		t.Fatal("founder token does not resolve to the founder")
	}

	// Idempotent: a second call must not seed again.
	seeded, err = s.SeedIfEmpty(ctx, "Aletheia")
	if err != nil {
		t.Fatal(err)
	}
	if seeded {
		t.Fatal("non-empty store seeded again")
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.AgentCount != 1 || stats.ActiveConversations != 1 || stats.MessageCount != 1 {
		t.Fatalf("unexpected stats after seed: %+v", stats)
	}
	if stats.LastActivityAt == nil {
		t.Fatal("expected lastActivityAt after seeding")
	}
}

func TestTouchLastSeen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	agent, _ := createTestAgent(t, s, "Ada")
	time.Sleep(5 * time.Millisecond)
	if err := s.TouchLastSeen(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgentByID(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastSeenAt.After(agent.LastSeenAt) {
		t.Fatal("last_seen_at not advanced")
	}
}
