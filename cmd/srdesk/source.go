package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kingrea/srdesk/internal/archive"
	"github.com/kingrea/srdesk/internal/config"
	"github.com/kingrea/srdesk/internal/results"
)

// candidateSource selects where frontier commands read candidates from:
// explicit result files, an archived session, or the configured workers'
// result files.
type candidateSource struct {
	files   []string
	session string
}

func (s candidateSource) load(warn io.Writer) ([]results.Candidate, error) {
	if s.session != "" && len(s.files) > 0 {
		return nil, errors.New("use either result files or --session, not both")
	}
	if len(s.files) > 0 {
		return readResultFiles(s.files, warn)
	}
	dir, err := resolveProjectDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if s.session != "" {
		return loadSession(cfg, s.session)
	}
	configs := cfg.ProcessConfigs()
	paths := make([]string, len(configs))
	for i, pc := range configs {
		paths[i] = pc.Results
	}
	return readResultFiles(paths, warn)
}

// readResultFiles parses every file from the start. The file's position in
// paths becomes the worker id of its candidates.
func readResultFiles(paths []string, warn io.Writer) ([]results.Candidate, error) {
	var all []results.Candidate
	for id, path := range paths {
		data, _, err := results.ReadNew(path, 0)
		if err != nil {
			return nil, err
		}
		parser := results.NewParser(id)
		accepted, perr := parser.Parse(data)
		tail, ferr := parser.Flush()
		accepted = append(accepted, tail...)
		if err := errors.Join(perr, ferr); err != nil && warn != nil {
			fmt.Fprintf(warn, "warning: %s: %v\n", path, err)
		}
		all = append(all, accepted...)
	}
	return all, nil
}

func openArchive(cfg *config.Config) (*archive.Store, error) {
	if !cfg.Project.Archive.Enabled {
		return nil, errors.New("the candidate archive is disabled in config.yaml")
	}
	return archive.Open(cfg.ArchiveDir())
}

func loadSession(cfg *config.Config, session string) ([]results.Candidate, error) {
	store, err := openArchive(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	id, err := resolveSession(store, session)
	if err != nil {
		return nil, err
	}
	return store.Load(id)
}

// resolveSession accepts a full session id, a unique prefix of one, or
// "latest".
func resolveSession(store *archive.Store, session string) (string, error) {
	sessions, err := store.Sessions()
	if err != nil {
		return "", err
	}
	if session == "latest" {
		if len(sessions) == 0 {
			return "", archive.ErrUnknownSession
		}
		return sessions[0].ID, nil
	}
	var matches []string
	for _, info := range sessions {
		if info.ID == session {
			return info.ID, nil
		}
		if strings.HasPrefix(info.ID, session) {
			matches = append(matches, info.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", archive.ErrUnknownSession, session)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous (%d matches)", session, len(matches))
	}
}
