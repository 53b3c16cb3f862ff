package bridge

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/daedaleanai/mlbridge/config"
	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/repository"
)

// WebrevKind tells what revision relation an artifact covers.
type WebrevKind int

const (
	WebrevFull WebrevKind = iota
	WebrevIncremental
	WebrevMergeConflicts
	WebrevMergeParent
)

// WebrevDescription is a published artifact as referenced from mail.
type WebrevDescription struct {
	Kind  WebrevKind
	Label string
	URI   string
}

// MergeArtifacts is the outcome of evaluating a merge head: either a
// note that nothing is needed, or one or more published artifacts.
type MergeArtifacts struct {
	NeedsNone bool
	Note      string
	Webrevs   []WebrevDescription
}

// WebrevMeta accompanies a render so the output can describe itself.
type WebrevMeta struct {
	PR         entity.Id
	Identifier string
	Base       repository.Hash
	Head       repository.Hash
	Commits    []repository.Commit
}

// Renderer produces the artifact files for a diff in an output directory.
type Renderer interface {
	RenderHTML(outputDir string, diffs []repository.FileDiff, meta WebrevMeta) error
	RenderJSON(outputDir string, diffs []repository.FileDiff, meta WebrevMeta) error
}

const (
	// placeholderThreshold is the size at which a generated file is
	// replaced with a placeholder instead of being published.
	placeholderThreshold = 1000000
	publishBatchSize     = 1000
	publishRetries       = 5
)

// ErrStorageUnavailable marks failures of the shared storage or its
// frontend that will hit every pull request the same way: push retries
// exhausted, or published artifacts never becoming visible. The caller
// aborts its pass on these instead of repeating the failure per pull
// request.
var ErrStorageUnavailable = errors.New("webrev storage unavailable")

// neverReplace are the index and metadata files an artifact is navigated
// through; they are published whole no matter their size.
var neverReplace = map[string]bool{
	"index.html":      true,
	"comparison.json": true,
	"commits.json":    true,
	"metadata.json":   true,
}

// WebrevStorage generates artifacts and durably publishes them to the
// shared storage repository. The storage ref is shared with concurrent
// publishers, so every push may be rejected and is retried on top of the
// rebased remote head.
type WebrevStorage struct {
	cfg      config.Webrev
	name     string
	email    string
	scratch  string
	renderer Renderer
	client   *http.Client
	logger   zerolog.Logger

	pollTimeout  time.Duration
	pollInterval time.Duration

	// push hook for tests
	push func(clone *repository.GitRepo) error
}

func NewWebrevStorage(cfg config.Webrev, name, email, scratch string, logger zerolog.Logger) *WebrevStorage {
	ws := &WebrevStorage{
		cfg:          cfg,
		name:         name,
		email:        email,
		scratch:      scratch,
		renderer:     StandardRenderer{},
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		pollTimeout:  30 * time.Minute,
		pollInterval: 10 * time.Second,
	}
	ws.push = func(clone *repository.GitRepo) error {
		return clone.Push(ws.cfg.Repository, ws.cfg.Ref)
	}
	return ws
}

// Generate renders, publishes and (for HTML) awaits visibility of one
// artifact for the base..head range under the given identifier.
func (ws *WebrevStorage) Generate(local *repository.GitRepo, pr entity.Id, base, head repository.Hash, identifier string, kind WebrevKind, label string) (WebrevDescription, error) {
	diffs, err := local.Diff(base, head)
	if err != nil {
		return WebrevDescription{}, errors.Wrap(err, "diffing for webrev")
	}
	commits, err := local.CommitsBetween(base, head)
	if err != nil {
		// tree-level diffs have no commit range
		commits = nil
	}

	meta := WebrevMeta{PR: pr, Identifier: identifier, Base: base, Head: head, Commits: commits}

	clone, err := repository.Materialize(filepath.Join(ws.scratch, "webrev-storage"), ws.cfg.Repository, ws.cfg.Ref)
	if err != nil {
		return WebrevDescription{}, errors.Wrap(err, "materializing webrev storage")
	}

	rel := path.Join(ws.cfg.BasePath, string(pr), identifier)
	outputDir := filepath.Join(clone.WorkTree(), filepath.FromSlash(rel))
	if err := os.RemoveAll(outputDir); err != nil {
		return WebrevDescription{}, err
	}
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return WebrevDescription{}, err
	}

	if ws.cfg.GenerateHTML {
		if err := ws.renderer.RenderHTML(outputDir, diffs, meta); err != nil {
			return WebrevDescription{}, errors.Wrap(err, "rendering html webrev")
		}
	}
	if ws.cfg.GenerateJSON {
		if err := ws.renderer.RenderJSON(outputDir, diffs, meta); err != nil {
			return WebrevDescription{}, errors.Wrap(err, "rendering json webrev")
		}
	}

	if err := ws.insertPlaceholders(outputDir, meta); err != nil {
		return WebrevDescription{}, err
	}

	if err := ws.publish(clone, outputDir, fmt.Sprintf("%s/%s", pr, identifier)); err != nil {
		return WebrevDescription{}, err
	}

	uri := fmt.Sprintf("%s/%s/%s/", ws.cfg.BaseURI, pr, identifier)
	if ws.cfg.GenerateHTML {
		if err := ws.awaitPublication(uri); err != nil {
			return WebrevDescription{}, err
		}
	}

	return WebrevDescription{Kind: kind, Label: label, URI: uri}, nil
}

// GenerateMerge evaluates a merge head against its automatic merge. A
// head identical to the trivial merge needs no artifact; a clean trivial
// merge that the head diverges from gets one conflicts artifact showing
// that divergence; a conflicted trivial merge gets one artifact per
// parent showing the adjustment relative to it.
func (ws *WebrevStorage) GenerateMerge(local *repository.GitRepo, pr entity.Id, head repository.Hash, identifier string) (*MergeArtifacts, error) {
	parents, err := local.Parents(head)
	if err != nil {
		return nil, err
	}
	if len(parents) < 2 {
		return nil, errors.Errorf("commit %s is not a merge", head)
	}

	trivialTree, clean, err := local.TrivialMerge(parents[0], parents[1])
	if err != nil {
		return nil, errors.Wrap(err, "computing automatic merge")
	}
	headTree, err := local.TreeOf(head)
	if err != nil {
		return nil, err
	}

	if clean && trivialTree == headTree {
		return &MergeArtifacts{
			NeedsNone: true,
			Note:      "The merge commit only contains trivial merges, so no merge-specific webrevs have been generated.",
		}, nil
	}

	var out MergeArtifacts
	if clean {
		desc, err := ws.Generate(local, pr, trivialTree, head, identifier+"-conflicts", WebrevMergeConflicts, "merge conflicts")
		if err != nil {
			return nil, err
		}
		out.Webrevs = append(out.Webrevs, desc)
		return &out, nil
	}

	for i, parent := range parents {
		desc, err := ws.Generate(local, pr, parent, head,
			fmt.Sprintf("%s-parent%d", identifier, i), WebrevMergeParent,
			fmt.Sprintf("merge with parent %d", i+1))
		if err != nil {
			return nil, err
		}
		out.Webrevs = append(out.Webrevs, desc)
	}
	return &out, nil
}

// insertPlaceholders replaces oversized output files with reproduce
// instructions, sparing the fixed set of navigation files.
func (ws *WebrevStorage) insertPlaceholders(outputDir string, meta WebrevMeta) error {
	return filepath.Walk(outputDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if info.Size() < placeholderThreshold || neverReplace[info.Name()] {
			return nil
		}
		placeholder := fmt.Sprintf(
			"This file is too large to display here and has been replaced with a placeholder.\n\n"+
				"To reproduce it, fetch both revisions and regenerate the diff:\n\n"+
				"    git diff %s %s\n",
			meta.Base, meta.Head)
		ws.logger.Info().Str("file", info.Name()).Int64("size", info.Size()).
			Msg("replacing oversized webrev file with placeholder")
		return os.WriteFile(p, []byte(placeholder), 0666)
	})
}

// publish commits the artifact files in batches and pushes each batch,
// tolerating concurrent writers to the shared ref. A batch whose files
// are already committed (from a crashed previous publish) is skipped,
// which makes the whole publish resumable.
func (ws *WebrevStorage) publish(clone *repository.GitRepo, outputDir, identifier string) error {
	var files []string
	err := filepath.Walk(outputDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(clone.WorkTree(), p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return err
	}

	var batches [][]string
	for len(files) > 0 {
		n := len(files)
		if n > publishBatchSize {
			n = publishBatchSize
		}
		batches = append(batches, files[:n])
		files = files[n:]
	}

	for i, batch := range batches {
		if err := clone.Add(batch...); err != nil {
			return errors.Wrap(err, "staging webrev files")
		}

		message := fmt.Sprintf("Added webrev for %s", identifier)
		if len(batches) > 1 {
			message = fmt.Sprintf("Added webrev for %s (%d/%d)", identifier, i+1, len(batches))
		}

		_, err := clone.Commit(message, ws.name, ws.email)
		if errors.Cause(err) == repository.ErrNothingToCommit {
			// already published by an interrupted earlier pass
			ws.logger.Info().Str("identifier", identifier).Int("batch", i+1).
				Msg("webrev batch already committed, skipping")
			continue
		}
		if err != nil {
			return errors.Wrap(err, "committing webrev batch")
		}

		if err := ws.pushWithRetry(clone); err != nil {
			return err
		}
	}
	return nil
}

func (ws *WebrevStorage) pushWithRetry(clone *repository.GitRepo) error {
	retryCount := 0
	for {
		err := ws.push(clone)
		if err == nil {
			return nil
		}
		if errors.Cause(err) != repository.ErrPushRejected {
			return errors.Wrap(err, "pushing webrev")
		}
		retryCount++
		if retryCount > publishRetries {
			return errors.Wrapf(ErrStorageUnavailable, "webrev push still rejected after %d retries", publishRetries)
		}

		ws.logger.Info().Int("retry", retryCount).Msg("webrev push rejected, rebasing onto new remote head")
		remoteHead, err := clone.Fetch(ws.cfg.Repository, ws.cfg.Ref)
		if err != nil {
			return errors.Wrap(err, "fetching moved webrev ref")
		}
		if err := clone.Rebase(remoteHead, ws.name, ws.email); err != nil {
			return errors.Wrap(err, "rebasing webrev commit")
		}
	}
}

// awaitPublication polls the artifact URI until the storage frontend
// serves it, defeating caches with a unique query parameter per probe.
func (ws *WebrevStorage) awaitPublication(uri string) error {
	deadline := time.Now().Add(ws.pollTimeout)
	for {
		probe := fmt.Sprintf("%s?nocache=%s", uri, uuid.New().String())
		resp, err := ws.client.Get(probe)
		if err == nil {
			status := resp.StatusCode
			resp.Body.Close()
			if status < 300 {
				return nil
			}
			ws.logger.Debug().Int("status", status).Str("uri", uri).Msg("webrev not yet visible")
		} else {
			ws.logger.Debug().Err(err).Str("uri", uri).Msg("webrev poll failed")
		}

		if time.Now().After(deadline) {
			return errors.Wrapf(ErrStorageUnavailable, "webrev at %s not publicly visible within %s", uri, ws.pollTimeout)
		}
		time.Sleep(ws.pollInterval)
	}
}
