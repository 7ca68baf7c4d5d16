// Package domain holds the storage-domain executors the project workflows
// drive: a NAS filesystem tree and an S3 bucket.
package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"studio-jobcore/internal/workflow"
)

// Domain keys.
const (
	DomainNAS = "nas"
	DomainS3  = "s3"
)

// ProjectFolders is the layout created for every new project.
var ProjectFolders = []string{"raw", "selects", "edits", "deliverables"}

// NAS executes workflows against a directory tree:
//
//	<root>/projects/<id>/...   live project folders
//	<root>/archive/<id>/...    archived projects
//	<root>/delivery/<id>/...   delivered files and previews
type NAS struct {
	root         string
	previewWidth int
	logger       *zap.Logger
}

func NewNAS(root string, previewWidth int, logger *zap.Logger) *NAS {
	if previewWidth <= 0 {
		previewWidth = 640
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NAS{root: root, previewWidth: previewWidth, logger: logger.With(zap.String("domain", DomainNAS))}
}

func (n *NAS) Domain() string { return DomainNAS }

func (n *NAS) Execute(ctx context.Context, task workflow.Task) (workflow.DomainResult, error) {
	id, err := safeSegment(task.Project.ID)
	if err != nil {
		return workflow.DomainResult{}, err
	}
	switch task.Workflow {
	case workflow.WorkflowBootstrap:
		return n.bootstrap(id), nil
	case workflow.WorkflowArchive:
		return n.archive(id)
	case workflow.WorkflowDelivery:
		return n.deliver(ctx, id)
	}
	return workflow.DomainResult{}, fmt.Errorf("nas: unsupported workflow %q", task.Workflow)
}

func (n *NAS) projectDir(id string) string  { return filepath.Join(n.root, "projects", id) }
func (n *NAS) archiveDir(id string) string  { return filepath.Join(n.root, "archive", id) }
func (n *NAS) deliveryDir(id string) string { return filepath.Join(n.root, "delivery", id) }

func (n *NAS) bootstrap(id string) workflow.DomainResult {
	summary := &workflow.ProvisioningSummary{}
	base := n.projectDir(id)
	for _, folder := range ProjectFolders {
		path := filepath.Join(base, folder)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			summary.Existing = append(summary.Existing, folder)
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("create %s: %v", folder, err))
			continue
		}
		summary.Created = append(summary.Created, folder)
	}

	res := workflow.DomainResult{Provisioning: summary}
	switch {
	case len(summary.Errors) > 0:
		res.RootState = workflow.StateProvisionFailed
	case len(summary.Created) > 0:
		res.RootState = workflow.StateRootCreated
		res.Notes = []string{fmt.Sprintf("created %d folders under %s", len(summary.Created), base)}
	default:
		res.RootState = workflow.StateRootReady
	}
	return res
}

func (n *NAS) archive(id string) (workflow.DomainResult, error) {
	src, dst := n.projectDir(id), n.archiveDir(id)
	srcExists, err := dirExists(src)
	if err != nil {
		return workflow.DomainResult{}, err
	}
	dstExists, err := dirExists(dst)
	if err != nil {
		return workflow.DomainResult{}, err
	}

	switch {
	case !srcExists && dstExists:
		return workflow.DomainResult{RootState: workflow.StateAlreadyArchived}, nil
	case !srcExists:
		return workflow.DomainResult{RootState: workflow.StateSourceMissing, Notes: []string{"no project folder at " + src}}, nil
	case dstExists:
		return workflow.DomainResult{
			RootState: workflow.StateCleanupIncomplete,
			Notes:     []string{fmt.Sprintf("both %s and %s exist; remove the live copy once verified", src, dst)},
		}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return workflow.DomainResult{}, fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return workflow.DomainResult{}, fmt.Errorf("move to archive: %w", err)
	}
	n.logger.Info("project archived", zap.String("project_id", id), zap.String("path", dst))
	return workflow.DomainResult{RootState: workflow.StateArchived}, nil
}

func (n *NAS) deliver(ctx context.Context, id string) (workflow.DomainResult, error) {
	src := filepath.Join(n.projectDir(id), "deliverables")
	ok, err := dirExists(src)
	if err != nil {
		return workflow.DomainResult{}, err
	}
	if !ok {
		return workflow.DomainResult{RootState: workflow.StateSourceMissing, Notes: []string{"no deliverables at " + src}}, nil
	}

	dst := n.deliveryDir(id)
	copied, previews := 0, 0
	var notes []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := copyFile(path, filepath.Join(dst, rel)); err != nil {
			return err
		}
		copied++
		if !isImage(path) {
			return nil
		}
		if err := n.renderPreview(path, filepath.Join(dst, "previews", previewName(rel))); err != nil {
			notes = append(notes, fmt.Sprintf("preview %s: %v", rel, err))
			return nil
		}
		previews++
		return nil
	})
	if err != nil {
		return workflow.DomainResult{}, fmt.Errorf("copy deliverables: %w", err)
	}
	if copied == 0 {
		return workflow.DomainResult{RootState: workflow.StateSourceMissing, Notes: []string{"deliverables folder is empty"}}, nil
	}
	notes = append([]string{fmt.Sprintf("copied %d files, rendered %d previews", copied, previews)}, notes...)
	return workflow.DomainResult{RootState: workflow.StateDestinationReady, Notes: notes}, nil
}

func (n *NAS) renderPreview(src, dst string) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > n.previewWidth {
		img = imaging.Resize(img, n.previewWidth, 0, imaging.Lanczos)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := imaging.Save(img, dst, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return nil
}

func isImage(path string) bool {
	if _, err := imaging.FormatFromFilename(path); err != nil {
		return false
	}
	return true
}

func previewName(rel string) string {
	rel = filepath.ToSlash(rel)
	base := strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(base, "/", "_") + ".jpg"
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// safeSegment rejects ids that would escape their parent directory or key
// prefix.
func safeSegment(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("unsafe project id %q", id)
	}
	return id, nil
}
