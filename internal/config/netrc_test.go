package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNetrc = `# personal servers
machine dav.example.com login alice password s3cret
machine other.example.com
  login bob
  password hunter2
  account ops

macdef init
cd /pub
machine inside.macro login nobody password nothing

default login anonymous password guest
`

func writeNetrc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".netrc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLookupNetrc(t *testing.T) {
	path := writeNetrc(t, sampleNetrc)

	tests := []struct {
		host     string
		login    string
		password string
		account  string
	}{
		{host: "dav.example.com", login: "alice", password: "s3cret"},
		{host: "DAV.Example.com", login: "alice", password: "s3cret"},
		{host: "other.example.com", login: "bob", password: "hunter2", account: "ops"},
		{host: "inside.macro", login: "anonymous", password: "guest"},
		{host: "unknown.example.com", login: "anonymous", password: "guest"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			entry, err := LookupNetrc(path, tt.host)
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, tt.login, entry.Login)
			assert.Equal(t, tt.password, entry.Password)
			assert.Equal(t, tt.account, entry.Account)
		})
	}
}

func TestLookupNetrc_NoMatch(t *testing.T) {
	path := writeNetrc(t, "machine a.example.com login a password b\n")

	entry, err := LookupNetrc(path, "b.example.com")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestLookupNetrc_Malformed(t *testing.T) {
	path := writeNetrc(t, "login orphan password x\n")

	_, err := LookupNetrc(path, "a.example.com")
	assert.Error(t, err)
}

func TestResolveCredentials(t *testing.T) {
	path := writeNetrc(t, sampleNetrc)

	tests := []struct {
		name         string
		username     string
		password     string
		useNetrc     bool
		wantUser     string
		wantPassword string
	}{
		{name: "from netrc", useNetrc: true, wantUser: "alice", wantPassword: "s3cret"},
		{name: "config wins", username: "carol", password: "pw", useNetrc: true, wantUser: "carol", wantPassword: "pw"},
		{name: "password for matching login", username: "alice", useNetrc: true, wantUser: "alice", wantPassword: "s3cret"},
		{name: "other login keeps empty password", username: "dave", useNetrc: true, wantUser: "dave"},
		{name: "netrc disabled", useNetrc: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.WebDAV.URL = "https://dav.example.com/files/"
			cfg.WebDAV.Username = tt.username
			cfg.WebDAV.Password = tt.password
			cfg.WebDAV.UseNetrc = &tt.useNetrc
			cfg.WebDAV.NetrcFile = path

			user, password, err := cfg.ResolveCredentials()
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantPassword, password)
		})
	}
}

func TestResolveCredentials_MissingNetrcIsFine(t *testing.T) {
	cfg := validConfig()
	cfg.WebDAV.NetrcFile = filepath.Join(t.TempDir(), "absent")

	user, password, err := cfg.ResolveCredentials()
	require.NoError(t, err)
	assert.Empty(t, user)
	assert.Empty(t, password)
}
