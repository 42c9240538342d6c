package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []dto.ChatStoreChange
}

func (r *recordingNotifier) NotifyStoreChange(_ context.Context, change dto.ChatStoreChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

func (r *recordingNotifier) last() dto.ChatStoreChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

type staticMembership map[string]bool

func (s staticMembership) IsMember(_ context.Context, projectID, userID string) (bool, error) {
	return s[projectID+"/"+userID], nil
}

func setupChatTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ChatMessage{}, &models.ProjectMember{}))
	return db
}

type chatFixture struct {
	svc      *chatService
	notifier *recordingNotifier
	clock    time.Time
}

func newChatFixture(t *testing.T, membership MembershipChecker, cache *redis.Client) *chatFixture {
	t.Helper()
	db := setupChatTestDB(t)
	notifier := &recordingNotifier{}
	svc := NewChatService(repository.NewChatRepository(db), ChatServiceOptions{
		Notifier:    notifier,
		Membership:  membership,
		Redis:       cache,
		ChannelBase: "gema",
	}, validator.New(), zerolog.Nop()).(*chatService)

	fixture := &chatFixture{svc: svc, notifier: notifier, clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return fixture.clock }
	return fixture
}

func (f *chatFixture) tick(d time.Duration) { f.clock = f.clock.Add(d) }

func TestChatServiceAppendAndListOldestFirst(t *testing.T) {
	f := newChatFixture(t, nil, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		f.tick(time.Second)
		_, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}
	_, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-2", SenderID: "bob", Content: "elsewhere"})
	require.NoError(t, err)

	messages, err := f.svc.List(ctx, dto.ChatHistoryQuery{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i, message := range messages {
		require.Equal(t, fmt.Sprintf("message %d", i+1), message.Content)
		require.False(t, message.Edited)
		require.Equal(t, "proj-1", message.ProjectID)
	}
	require.Less(t, messages[0].ID, messages[2].ID)

	last := f.notifier.last()
	require.Equal(t, dto.ChatChangeInsert, last.Op)
	require.Equal(t, "proj-2", last.ProjectID)
}

func TestChatServiceAppendStoresPlainTextAndCarriesClientRef(t *testing.T) {
	f := newChatFixture(t, nil, nil)
	ctx := context.Background()

	message, err := f.svc.Append(ctx, dto.ChatAppendRequest{
		ProjectID: "proj-1",
		SenderID:  "alice",
		Content:   "  Tom & Jerry: if a<b then b>a\x00 <b>team</b>\n  ",
		ClientRef: "ref-1",
	})
	require.NoError(t, err)
	require.Equal(t, "Tom & Jerry: if a<b then b>a <b>team</b>", message.Content)
	require.Equal(t, message.CreatedAt, message.UpdatedAt)

	stored, err := f.svc.List(ctx, dto.ChatHistoryQuery{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, message.Content, stored[0].Content)

	change := f.notifier.last()
	require.Equal(t, "ref-1", change.ClientRef)
	require.Equal(t, message.ID, change.Message.ID)

	// Length is counted in characters of the raw text.
	_, err = f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: strings.Repeat("&", 2000)})
	require.NoError(t, err)
	_, err = f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: strings.Repeat("é", 2000)})
	require.NoError(t, err)

	tagsOnly, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: "<br>"})
	require.NoError(t, err)
	require.Equal(t, "<br>", tagsOnly.Content)

	edited, err := f.svc.Edit(ctx, message.ID, "x < y && y > z", "alice")
	require.NoError(t, err)
	require.Equal(t, "x < y && y > z", edited.Content)
}

func TestChatServiceAppendValidation(t *testing.T) {
	f := newChatFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: "   "})
	require.ErrorIs(t, err, ErrChatValidation)

	_, err = f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: strings.Repeat("a", 2001)})
	require.ErrorIs(t, err, ErrChatValidation)

	attachment := "file-1"
	message, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", AttachmentID: &attachment})
	require.NoError(t, err)
	require.Empty(t, message.Content)
	require.Equal(t, "file-1", *message.AttachmentID)

	messages, err := f.svc.List(ctx, dto.ChatHistoryQuery{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, messages, 1, "rejected messages must not be stored")
}

func TestChatServiceAppendRequiresMembership(t *testing.T) {
	f := newChatFixture(t, staticMembership{"proj-1/alice": true}, nil)
	ctx := context.Background()

	_, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "mallory", Content: "hi"})
	require.ErrorIs(t, err, ErrChatUnauthorized)

	_, err = f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)
}

func TestChatServiceEditOwnership(t *testing.T) {
	f := newChatFixture(t, nil, nil)
	ctx := context.Background()

	created, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: "draft"})
	require.NoError(t, err)

	_, err = f.svc.Edit(ctx, created.ID, "hijack", "bob")
	require.ErrorIs(t, err, ErrChatForbidden)

	_, err = f.svc.Edit(ctx, created.ID, "  ", "alice")
	require.ErrorIs(t, err, ErrChatValidation)

	// The clock has not moved; the edit must still be observable.
	updated, err := f.svc.Edit(ctx, created.ID, "final", "alice")
	require.NoError(t, err)
	require.Equal(t, "final", updated.Content)
	require.True(t, updated.Edited)
	require.True(t, updated.UpdatedAt.After(updated.CreatedAt))
	require.Equal(t, created.CreatedAt, updated.CreatedAt)

	change := f.notifier.last()
	require.Equal(t, dto.ChatChangeUpdate, change.Op)
	require.Equal(t, "final", change.Message.Content)

	_, err = f.svc.Edit(ctx, 9999, "ghost", "alice")
	require.ErrorIs(t, err, ErrChatMessageNotFound)
}

func TestChatServiceDelete(t *testing.T) {
	f := newChatFixture(t, nil, nil)
	ctx := context.Background()

	created, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: "oops"})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Delete(ctx, created.ID, "bob"), ErrChatForbidden)
	require.NoError(t, f.svc.Delete(ctx, created.ID, "alice"))

	change := f.notifier.last()
	require.Equal(t, dto.ChatChangeDelete, change.Op)
	require.Equal(t, created.ID, change.MessageID)
	require.Nil(t, change.Message)

	require.ErrorIs(t, f.svc.Delete(ctx, created.ID, "alice"), ErrChatMessageNotFound)

	messages, err := f.svc.List(ctx, dto.ChatHistoryQuery{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestChatServiceListPagesBackwardsWithTies(t *testing.T) {
	f := newChatFixture(t, nil, nil)
	ctx := context.Background()

	// Two messages share a timestamp; the cursor id must split them.
	var created []dto.ChatMessageResponse
	for i := 1; i <= 5; i++ {
		if i != 3 {
			f.tick(time.Second)
		}
		message, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		created = append(created, message)
	}
	require.Equal(t, created[1].CreatedAt, created[2].CreatedAt)

	page, err := f.svc.List(ctx, dto.ChatHistoryQuery{ProjectID: "proj-1", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"m4", "m5"}, contents(page))

	before := page[0].CreatedAt
	page, err = f.svc.List(ctx, dto.ChatHistoryQuery{ProjectID: "proj-1", Limit: 2, Before: &before, BeforeID: page[0].ID})
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3"}, contents(page))

	before = page[1].CreatedAt
	page, err = f.svc.List(ctx, dto.ChatHistoryQuery{ProjectID: "proj-1", Limit: 2, Before: &before, BeforeID: page[1].ID})
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, contents(page))

	_, err = f.svc.List(ctx, dto.ChatHistoryQuery{})
	require.ErrorIs(t, err, ErrChatValidation)
}

func TestChatServiceLatestUsesCache(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer client.Close()

	f := newChatFixture(t, nil, client)
	ctx := context.Background()

	latest, err := f.svc.Latest(ctx, "proj-1")
	require.NoError(t, err)
	require.Nil(t, latest)

	created, err := f.svc.Append(ctx, dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: "cached"})
	require.NoError(t, err)
	require.True(t, mini.Exists("gema:chat:last:proj-1"))

	latest, err = f.svc.Latest(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, created.ID, latest.ID)

	f.tick(time.Second)
	_, err = f.svc.Edit(ctx, created.ID, "changed", "alice")
	require.NoError(t, err)
	require.False(t, mini.Exists("gema:chat:last:proj-1"))

	latest, err = f.svc.Latest(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, "changed", latest.Content)
	require.True(t, latest.Edited)
}

type failingChatRepo struct {
	repository.ChatRepository
}

func (failingChatRepo) Create(context.Context, *models.ChatMessage) error {
	return errors.New("connection refused")
}

func TestChatServiceAppendStoreUnavailable(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := NewChatService(failingChatRepo{}, ChatServiceOptions{Notifier: notifier}, validator.New(), zerolog.Nop())

	_, err := svc.Append(context.Background(), dto.ChatAppendRequest{ProjectID: "proj-1", SenderID: "alice", Content: "hi"})
	require.ErrorIs(t, err, ErrChatStoreUnavailable)
	require.Empty(t, notifier.changes)
}

func contents(messages []dto.ChatMessageResponse) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.Content)
	}
	return out
}
