package model

import (
	"context"
	"errors"
	"testing"

	"github.com/daveTechLed/sqlstress/config"
	"github.com/guregu/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProfileStore(t *testing.T) {
	ctx := context.Background()
	s := NewStaticProfileStore([]*config.ConnectionConfig{
		{ID: "local", Server: "127.0.0.1", Port: 1433, Username: "sa", Password: "secret"},
	})
	p, err := s.GetProfile(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name)
	assert.Equal(t, int64(1433), p.Port.Int64)
	assert.False(t, p.Database.Valid)
	assert.Equal(t, "secret", p.Password.String)
	assert.False(t, p.Redacted().Password.Valid)

	_, err = s.GetProfile(ctx, "missing")
	var dbe *DBError
	assert.True(t, errors.As(err, &dbe))

	np := &ConnectionProfile{Name: "added", Server: "db"}
	require.NoError(t, s.SaveProfile(ctx, np))
	assert.NotEmpty(t, np.ID)
	ps, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
	assert.Equal(t, "added", ps[0].Name)

	require.NoError(t, s.DeleteProfile(ctx, np.ID))
	// delete should be idempotent
	assert.NoError(t, s.DeleteProfile(ctx, np.ID))
	ps, _ = s.ListProfiles(ctx)
	assert.Len(t, ps, 1)
}

func TestMySQLProfileStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := NewMySQLProfileStore(db)
	p := &ConnectionProfile{
		Name:     "testprofile",
		Server:   "sql.local",
		Port:     null.IntFrom(1433),
		Username: null.StringFrom("sa"),
		Password: null.StringFrom("pw"),
	}
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "testprofile", got.Name)
	assert.Equal(t, "pw", got.Password.String)
	assert.False(t, got.Database.Valid)

	ps, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, ps, 1)
	assert.False(t, ps[0].Password.Valid)

	s.DeleteProfile(ctx, p.ID)
	got, err = s.GetProfile(ctx, p.ID)
	assert.NotNil(t, err)
	assert.Nil(t, got)
}
