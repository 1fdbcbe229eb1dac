package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	id, err := Static(" user-1 ").UserID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	id, err = Static("").UserID(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		fallback Resolver
		want     string
		wantErr  bool
	}{
		{name: "context user", ctx: WithUserID(context.Background(), "u-ctx"), want: "u-ctx"},
		{name: "fallback", ctx: context.Background(), fallback: Static("u-static"), want: "u-static"},
		{name: "context wins", ctx: WithUserID(context.Background(), "u-ctx"), fallback: Static("u-static"), want: "u-ctx"},
		{name: "blank context defers", ctx: WithUserID(context.Background(), "  "), fallback: Static("u-static"), want: "u-static"},
		{name: "nobody", ctx: context.Background(), want: ""},
		{
			name: "fallback error",
			ctx:  context.Background(),
			fallback: Func(func(context.Context) (string, error) {
				return "", errors.New("refresh token revoked")
			}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromContext{Fallback: tt.fallback}.UserID(tt.ctx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
