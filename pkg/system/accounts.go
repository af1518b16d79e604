package system

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// UserEntry is a line of /etc/passwd.
type UserEntry struct {
	Name  string
	UID   int
	GID   int
	Home  string
	Shell string
}

// GroupEntry is a line of /etc/group.
type GroupEntry struct {
	Name    string
	GID     int
	Members []string
}

// Accounts resolves users and groups from the passwd and group databases of
// the managed filesystem. Lookups return nil and no error when the account
// does not exist.
type Accounts struct {
	fs FileSystem
}

// NewAccounts creates an account database reader.
func NewAccounts(fs FileSystem) *Accounts {
	return &Accounts{fs: fs}
}

// LookupUser finds a user by name or numeric uid.
func (a *Accounts) LookupUser(nameOrID string) (*UserEntry, error) {
	users, err := a.Users()
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Name == nameOrID || strconv.Itoa(users[i].UID) == nameOrID {
			return &users[i], nil
		}
	}
	return nil, nil
}

// LookupGroup finds a group by name or numeric gid.
func (a *Accounts) LookupGroup(nameOrID string) (*GroupEntry, error) {
	groups, err := a.Groups()
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Name == nameOrID || strconv.Itoa(groups[i].GID) == nameOrID {
			return &groups[i], nil
		}
	}
	return nil, nil
}

// Users parses /etc/passwd.
func (a *Accounts) Users() ([]UserEntry, error) {
	var users []UserEntry
	err := a.scan("/etc/passwd", 7, func(f []string) error {
		uid, err := strconv.Atoi(f[2])
		if err != nil {
			return fmt.Errorf("invalid uid %q for %s", f[2], f[0])
		}
		gid, err := strconv.Atoi(f[3])
		if err != nil {
			return fmt.Errorf("invalid gid %q for %s", f[3], f[0])
		}
		users = append(users, UserEntry{Name: f[0], UID: uid, GID: gid, Home: f[5], Shell: f[6]})
		return nil
	})
	return users, err
}

// Groups parses /etc/group.
func (a *Accounts) Groups() ([]GroupEntry, error) {
	var groups []GroupEntry
	err := a.scan("/etc/group", 4, func(f []string) error {
		gid, err := strconv.Atoi(f[2])
		if err != nil {
			return fmt.Errorf("invalid gid %q for %s", f[2], f[0])
		}
		var members []string
		if f[3] != "" {
			members = strings.Split(f[3], ",")
		}
		groups = append(groups, GroupEntry{Name: f[0], GID: gid, Members: members})
		return nil
	})
	return groups, err
}

// ResolveOwner maps owner and group names (or ids) to numeric ids. Empty
// names resolve to -1.
func (a *Accounts) ResolveOwner(owner, group string) (int, int, error) {
	uid, gid := -1, -1
	if owner != "" {
		u, err := a.LookupUser(owner)
		if err != nil {
			return 0, 0, err
		}
		if u == nil {
			return 0, 0, fmt.Errorf("user %s does not exist", owner)
		}
		uid = u.UID
	}
	if group != "" {
		g, err := a.LookupGroup(group)
		if err != nil {
			return 0, 0, err
		}
		if g == nil {
			return 0, 0, fmt.Errorf("group %s does not exist", group)
		}
		gid = g.GID
	}
	return uid, gid, nil
}

func (a *Accounts) scan(path string, fields int, fn func([]string) error) error {
	info, err := a.fs.Lstat(path)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	data, err := a.fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, ":")
		if len(f) < fields {
			continue
		}
		if err := fn(f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return sc.Err()
}
