package model

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/daveTechLed/sqlstress/config"
	"github.com/google/uuid"
	"github.com/guregu/null"
)

// ConnectionProfile is a saved target server. Passwords never leave the
// process through JSON.
type ConnectionProfile struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	Server                 string      `json:"server"`
	Port                   null.Int    `json:"port"`
	Database               null.String `json:"database"`
	Username               null.String `json:"username"`
	Password               null.String `json:"password,omitempty"`
	Encrypt                null.String `json:"encrypt"`
	TrustServerCertificate bool        `json:"trust_server_certificate"`
	CreatedTime            time.Time   `json:"created_time"`
}

// Redacted returns a copy safe to hand to API clients.
func (p *ConnectionProfile) Redacted() *ConnectionProfile {
	c := *p
	c.Password = null.String{}
	return &c
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*ConnectionProfile, error)
	ListProfiles(ctx context.Context) ([]*ConnectionProfile, error)
	SaveProfile(ctx context.Context, p *ConnectionProfile) error
	DeleteProfile(ctx context.Context, id string) error
}

var ErrProfileNotFound = errors.New("connection profile not found")

func makeProfileNotFound(err error) error {
	if err == nil {
		err = ErrProfileNotFound
	}
	return &DBError{Err: err, Message: ErrProfileNotFound.Error()}
}

type MySQLProfileStore struct {
	DBC *sql.DB
}

func NewMySQLProfileStore(db *sql.DB) *MySQLProfileStore {
	return &MySQLProfileStore{DBC: db}
}

func (s *MySQLProfileStore) GetProfile(ctx context.Context, id string) (*ConnectionProfile, error) {
	q, err := s.DBC.PrepareContext(ctx,
		"select id, name, server, port, db_name, username, password, encrypt, trust_cert, created_time from connection_profile where id=?")
	if err != nil {
		return nil, err
	}
	defer q.Close()

	p := new(ConnectionProfile)
	var trustCert int8
	err = q.QueryRowContext(ctx, id).Scan(&p.ID, &p.Name, &p.Server, &p.Port, &p.Database, &p.Username,
		&p.Password, &p.Encrypt, &trustCert, &p.CreatedTime)
	if err != nil {
		return nil, makeProfileNotFound(err)
	}
	p.TrustServerCertificate = trustCert == 1
	return p, nil
}

func (s *MySQLProfileStore) ListProfiles(ctx context.Context) ([]*ConnectionProfile, error) {
	q, err := s.DBC.PrepareContext(ctx,
		"select id, name, server, port, db_name, username, encrypt, trust_cert, created_time from connection_profile order by name")
	if err != nil {
		return nil, err
	}
	defer q.Close()
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	r := []*ConnectionProfile{}
	for rows.Next() {
		p := new(ConnectionProfile)
		var trustCert int8
		if err := rows.Scan(&p.ID, &p.Name, &p.Server, &p.Port, &p.Database, &p.Username, &p.Encrypt,
			&trustCert, &p.CreatedTime); err != nil {
			return nil, err
		}
		p.TrustServerCertificate = trustCert == 1
		r = append(r, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *MySQLProfileStore) SaveProfile(ctx context.Context, p *ConnectionProfile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	var trustCert int8
	if p.TrustServerCertificate {
		trustCert = 1
	}
	q, err := s.DBC.PrepareContext(ctx,
		"insert into connection_profile (id, name, server, port, db_name, username, password, encrypt, trust_cert) values (?,?,?,?,?,?,?,?,?) on duplicate key update name=?, server=?, port=?, db_name=?, username=?, password=?, encrypt=?, trust_cert=?")
	if err != nil {
		return err
	}
	defer q.Close()
	_, err = q.ExecContext(ctx, p.ID, p.Name, p.Server, p.Port, p.Database, p.Username, p.Password, p.Encrypt, trustCert,
		p.Name, p.Server, p.Port, p.Database, p.Username, p.Password, p.Encrypt, trustCert)
	return err
}

func (s *MySQLProfileStore) DeleteProfile(ctx context.Context, id string) error {
	q, err := s.DBC.PrepareContext(ctx, "delete from connection_profile where id=?")
	if err != nil {
		return err
	}
	defer q.Close()
	_, err = q.ExecContext(ctx, id)
	return err
}

// StaticProfileStore serves profiles from the config file. Profiles saved at
// runtime live only as long as the process.
type StaticProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*ConnectionProfile
}

func NewStaticProfileStore(conns []*config.ConnectionConfig) *StaticProfileStore {
	s := &StaticProfileStore{profiles: make(map[string]*ConnectionProfile)}
	now := time.Now()
	for _, c := range conns {
		p := &ConnectionProfile{
			ID:                     c.ID,
			Name:                   c.Name,
			Server:                 c.Server,
			Port:                   null.NewInt(int64(c.Port), c.Port > 0),
			Database:               null.NewString(c.Database, c.Database != ""),
			Username:               null.NewString(c.Username, c.Username != ""),
			Password:               null.NewString(c.Password, c.Password != ""),
			Encrypt:                null.NewString(c.Encrypt, c.Encrypt != ""),
			TrustServerCertificate: c.TrustServerCertificate,
			CreatedTime:            now,
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		s.profiles[p.ID] = p
	}
	return s
}

func (s *StaticProfileStore) GetProfile(_ context.Context, id string) (*ConnectionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, makeProfileNotFound(nil)
	}
	c := *p
	return &c, nil
}

func (s *StaticProfileStore) ListProfiles(_ context.Context) ([]*ConnectionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := make([]*ConnectionProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		c := *p
		r = append(r, &c)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Name < r[j].Name })
	return r, nil
}

func (s *StaticProfileStore) SaveProfile(_ context.Context, p *ConnectionProfile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedTime.IsZero() {
		p.CreatedTime = time.Now()
	}
	c := *p
	s.mu.Lock()
	s.profiles[p.ID] = &c
	s.mu.Unlock()
	return nil
}

func (s *StaticProfileStore) DeleteProfile(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.profiles, id)
	s.mu.Unlock()
	return nil
}
