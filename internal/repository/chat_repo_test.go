package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

func setupChatTestDB(t *testing.T, tables ...interface{}) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(tables...))
	return db
}

func TestChatRepositoryPagesBackwardsWithTieBreak(t *testing.T) {
	db := setupChatTestDB(t, &models.ChatMessage{})
	repo := NewChatRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stamps := []time.Time{base, base.Add(time.Second), base.Add(time.Second), base.Add(2 * time.Second)}
	for i, stamp := range stamps {
		message := models.ChatMessage{ProjectID: "p1", SenderID: "alice", Content: fmt.Sprintf("m%d", i+1), CreatedAt: stamp, UpdatedAt: stamp}
		require.NoError(t, repo.Create(ctx, &message))
	}
	other := models.ChatMessage{ProjectID: "p2", SenderID: "bob", Content: "elsewhere", CreatedAt: base, UpdatedAt: base}
	require.NoError(t, repo.Create(ctx, &other))

	page, err := repo.ListByProject(ctx, "p1", ChatCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "m4", page[0].Content, "pages are newest first")
	require.Equal(t, "m3", page[1].Content)

	// m2 and m3 share a timestamp; the id keeps m2 on the next page.
	page, err = repo.ListByProject(ctx, "p1", ChatCursor{Before: page[1].CreatedAt, BeforeID: page[1].ID}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "m2", page[0].Content)
	require.Equal(t, "m1", page[1].Content)

	latest, err := repo.LatestByProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "m4", latest.Content)

	_, err = repo.LatestByProject(ctx, "empty")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestChatRepositoryUpdateAndDelete(t *testing.T) {
	db := setupChatTestDB(t, &models.ChatMessage{})
	repo := NewChatRepository(db)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	message := models.ChatMessage{ProjectID: "p1", SenderID: "alice", Content: "draft", CreatedAt: created, UpdatedAt: created}
	require.NoError(t, repo.Create(ctx, &message))
	require.False(t, message.Edited())

	updated, err := repo.UpdateContent(ctx, message.ID, "final", created.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "final", updated.Content)
	require.True(t, updated.Edited())
	require.True(t, updated.CreatedAt.Equal(created))

	_, err = repo.UpdateContent(ctx, 999, "ghost", created)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, repo.Delete(ctx, message.ID))
	require.ErrorIs(t, repo.Delete(ctx, message.ID), gorm.ErrRecordNotFound)
}

func TestNormalizeChatLimit(t *testing.T) {
	require.Equal(t, defaultChatPageSize, NormalizeChatLimit(0))
	require.Equal(t, 10, NormalizeChatLimit(10))
	require.Equal(t, maxChatPageSize, NormalizeChatLimit(1000))
}

func TestProjectMemberRepositoryUpsertAndRemove(t *testing.T) {
	db := setupChatTestDB(t, &models.ProjectMember{})
	repo := NewProjectMemberRepository(db)
	ctx := context.Background()

	member := models.ProjectMember{ProjectID: "p1", UserID: "alice"}
	require.NoError(t, repo.Upsert(ctx, &member))
	require.Equal(t, "member", member.Role)

	promoted := models.ProjectMember{ProjectID: "p1", UserID: "alice", Role: "owner"}
	require.NoError(t, repo.Upsert(ctx, &promoted))
	require.NoError(t, repo.Upsert(ctx, &models.ProjectMember{ProjectID: "p1", UserID: "bob"}))

	listed, err := repo.ListByProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "alice", listed[0].UserID)
	require.Equal(t, "owner", listed[0].Role)

	ok, err := repo.IsMember(ctx, "p1", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.Remove(ctx, "p1", "bob"))
	ok, err = repo.IsMember(ctx, "p1", "bob")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.IsMember(ctx, "p2", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}
