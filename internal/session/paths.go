package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the directory holding one conversation's session state.
func Dir(conversationID string) string {
	return filepath.Join(BaseDir(), "conversations", conversationID)
}

// LockPath returns the lock file path for a conversation session.
func LockPath(conversationID string) string {
	return filepath.Join(Dir(conversationID), "LOCK")
}

// DBPath returns the session-scoped SQLite database path. The database is
// disposable: it holds the loaded window of messages and the offline queue
// for the open conversation view, nothing the server cannot replay.
func DBPath(conversationID string) string {
	return filepath.Join(Dir(conversationID), "sync.db")
}

// LogDir returns the log directory for a conversation session.
func LogDir(conversationID string) string {
	return filepath.Join(Dir(conversationID), "logs")
}

// LogPath returns the sync daemon log file path.
func LogPath(conversationID string) string {
	return filepath.Join(LogDir(conversationID), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the conversation session directory tree with proper
// permissions.
func EnsureDir(conversationID string) error {
	dirs := []string{
		Dir(conversationID),
		LogDir(conversationID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
