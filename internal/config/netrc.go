package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// NetrcEntry is one machine block of a netrc file.
type NetrcEntry struct {
	Machine  string
	Login    string
	Password string
	Account  string
}

// LookupNetrc returns the entry for host in the netrc file at path, falling
// back to the default entry. It returns nil when neither exists.
func LookupNetrc(path, host string) (*NetrcEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, def, err := parseNetrc(bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	host = strings.ToLower(host)
	for _, e := range entries {
		if strings.ToLower(e.Machine) == host {
			return e, nil
		}
	}
	return def, nil
}

// parseNetrc reads whitespace separated tokens. A macdef body runs until
// the next empty line and is skipped.
func parseNetrc(s *bufio.Scanner) (entries []*NetrcEntry, def *NetrcEntry, err error) {
	var (
		current *NetrcEntry
		tokens  []string
		inMacro bool
	)

	for s.Scan() {
		line := s.Text()
		if inMacro {
			if strings.TrimSpace(line) == "" {
				inMacro = false
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		tokens = append(tokens[:0], strings.Fields(line)...)
		for i := 0; i < len(tokens); i++ {
			value := func() (string, error) {
				if i+1 >= len(tokens) {
					return "", fmt.Errorf("missing value for %q", tokens[i])
				}
				i++
				return tokens[i], nil
			}

			switch tokens[i] {
			case "machine":
				name, err := value()
				if err != nil {
					return nil, nil, err
				}
				current = &NetrcEntry{Machine: name}
				entries = append(entries, current)
			case "default":
				current = &NetrcEntry{}
				def = current
			case "login", "password", "account":
				key := tokens[i]
				v, err := value()
				if err != nil {
					return nil, nil, err
				}
				if current == nil {
					return nil, nil, fmt.Errorf("%q outside of a machine entry", key)
				}
				switch key {
				case "login":
					current.Login = v
				case "password":
					current.Password = v
				case "account":
					current.Account = v
				}
			case "macdef":
				inMacro = true
				i = len(tokens)
			}
		}
	}

	return entries, def, s.Err()
}
