package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/repository"
)

func TestMembershipServiceCachesAndInvalidates(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer client.Close()

	db := setupChatTestDB(t)
	svc := NewMembershipService(repository.NewProjectMemberRepository(db), client, "gema", time.Minute, validator.New(), zerolog.Nop())
	ctx := context.Background()

	allowed, err := svc.IsMember(ctx, "proj-1", "alice")
	require.NoError(t, err)
	require.False(t, allowed)

	cached, err := mini.Get("gema:chat:member:proj-1:alice")
	require.NoError(t, err)
	require.Equal(t, "0", cached)

	require.NoError(t, svc.AddMember(ctx, dto.ChatMemberRequest{ProjectID: "proj-1", UserID: "alice"}))
	require.False(t, mini.Exists("gema:chat:member:proj-1:alice"))

	allowed, err = svc.IsMember(ctx, "proj-1", "alice")
	require.NoError(t, err)
	require.True(t, allowed)

	// Adding twice updates the role instead of failing.
	require.NoError(t, svc.AddMember(ctx, dto.ChatMemberRequest{ProjectID: "proj-1", UserID: "alice", Role: "owner"}))
	members, err := svc.Members(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "owner", members[0].Role)

	require.NoError(t, svc.RemoveMember(ctx, "proj-1", "alice"))
	allowed, err = svc.IsMember(ctx, "proj-1", "alice")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestMembershipServiceValidatesRole(t *testing.T) {
	db := setupChatTestDB(t)
	svc := NewMembershipService(repository.NewProjectMemberRepository(db), nil, "", 0, validator.New(), zerolog.Nop())

	err := svc.AddMember(context.Background(), dto.ChatMemberRequest{ProjectID: "proj-1", UserID: "alice", Role: "superuser"})
	require.ErrorIs(t, err, ErrChatValidation)

	allowed, err := svc.IsMember(context.Background(), "", "alice")
	require.NoError(t, err)
	require.False(t, allowed)
}
