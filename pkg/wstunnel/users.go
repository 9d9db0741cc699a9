package wstunnel

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/logger"
)

// UserAllowAll is a regular expression used to match any target address.
var UserAllowAll = regexp.MustCompile("")

// ParseAuth parses a ":"-delimited authorization string pair. Returns two
// empty strings if the input does not contain ":".
func ParseAuth(auth string) (string, string) {
	if strings.Contains(auth, ":") {
		pair := strings.SplitN(auth, ":", 2)
		return pair[0], pair[1]
	}
	return "", ""
}

// User describes a single user's authorization info: name, password, and
// the target address patterns ("host:port") the user may tunnel to. An
// empty pattern list allows every target.
type User struct {
	Name  string
	Pass  string
	Addrs []*regexp.Regexp
}

// HasAccess returns true if the given target address matches the allowed
// address patterns for the user.
func (u *User) HasAccess(addr string) bool {
	if len(u.Addrs) == 0 {
		return true
	}
	for _, r := range u.Addrs {
		if r.MatchString(addr) {
			return true
		}
	}
	return false
}

// UserIndex is a thread-safe credential store, optionally loaded from an
// auth file and reloaded live when the file changes.
//
// The auth file carries one user per line:
//
//	name:password [target-regex ...]
//
// Blank lines and lines starting with '#' are ignored.
type UserIndex struct {
	logger.Logger
	mu      sync.RWMutex
	users   map[string]*User
	path    string
	watcher *fsnotify.Watcher
}

// NewUserIndex creates an empty user index.
func NewUserIndex(lg logger.Logger) *UserIndex {
	return &UserIndex{
		Logger: lg.ForkLogf("users"),
		users:  make(map[string]*User),
	}
}

// Len returns the number of users in the index.
func (ui *UserIndex) Len() int {
	ui.mu.RLock()
	defer ui.mu.RUnlock()
	return len(ui.users)
}

// AddUser inserts or replaces a user.
func (ui *UserIndex) AddUser(u *User) {
	ui.mu.Lock()
	ui.users[u.Name] = u
	ui.mu.Unlock()
}

// Del removes a user by name.
func (ui *UserIndex) Del(name string) {
	ui.mu.Lock()
	delete(ui.users, name)
	ui.mu.Unlock()
}

// Get looks a user up by name.
func (ui *UserIndex) Get(name string) (*User, bool) {
	ui.mu.RLock()
	defer ui.mu.RUnlock()
	u, ok := ui.users[name]
	return u, ok
}

// Authenticate checks a name/password pair and returns the matching user.
func (ui *UserIndex) Authenticate(name, pass string) (*User, bool) {
	u, ok := ui.Get(name)
	if !ok || u.Pass != pass {
		return nil, false
	}
	return u, true
}

// LoadUsers reads the auth file at path into the index, replacing prior
// file-loaded contents, and starts watching the file so later edits are
// picked up without a restart.
func (ui *UserIndex) LoadUsers(path string) error {
	ui.path = path
	if err := ui.reload(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("users: watch %s: %s", path, err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("users: watch %s: %s", path, err)
	}
	ui.watcher = watcher
	go ui.watchLoop()
	return nil
}

// Close stops the auth-file watcher, if one is running.
func (ui *UserIndex) Close() error {
	if ui.watcher != nil {
		return ui.watcher.Close()
	}
	return nil
}

func (ui *UserIndex) watchLoop() {
	for {
		select {
		case ev, ok := <-ui.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			ui.ILogf("Auth file changed; reloading")
			if err := ui.reload(); err != nil {
				ui.WLogf("Auth file reload failed: %s", err)
			}
		case err, ok := <-ui.watcher.Errors:
			if !ok {
				return
			}
			ui.WLogf("Auth file watch error: %s", err)
		}
	}
}

func (ui *UserIndex) reload() error {
	f, err := os.Open(ui.path)
	if err != nil {
		return fmt.Errorf("users: %s", err)
	}
	defer f.Close()

	users := make(map[string]*User)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		name, pass := ParseAuth(fields[0])
		if name == "" {
			return fmt.Errorf("users: %s:%d: expected name:password", ui.path, lineNum)
		}
		u := &User{Name: name, Pass: pass}
		for _, pattern := range fields[1:] {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("users: %s:%d: bad pattern '%s': %s", ui.path, lineNum, pattern, err)
			}
			u.Addrs = append(u.Addrs, re)
		}
		users[name] = u
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("users: %s", err)
	}

	ui.mu.Lock()
	ui.users = users
	ui.mu.Unlock()
	ui.DLogf("Loaded %d users", len(users))
	return nil
}
