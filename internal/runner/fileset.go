package runner

import (
	"fmt"

	"chunkrunner/internal/filemeta"
	"chunkrunner/internal/retry"
)

// DatasetSpec describes one dataset's input files before normalization,
// plus any user metadata to attach to every file in the dataset. Exactly
// one of Files or FileTreenames is set:
//   - Files is a plain file list, all read from the dataset-level
//     Treename.
//   - FileTreenames maps each filename directly to its own tree name
//     (spec.md §6's "a files map permits per-file tree names:
//     {filename: treename}"); Treename must be left empty in this form.
type DatasetSpec struct {
	Files         []string
	FileTreenames map[string]string
	Treename      string
	Metadata      filemeta.Metadata
}

// Fileset is the Runner's input: a dataset name mapped to its spec,
// mirroring spec.md §3's `{dataset: {files, treename, metadata}}` shape.
type Fileset map[string]DatasetSpec

// normalize expands fileset into one FileMeta per file (spec §4.7 step
// 1) and a parallel table of validated user metadata to be merged back
// in once the Preprocessor populates each file's reserved keys (spec.md
// §3's "Lifecycle: created by the Runner during fileset normalization").
func normalize(fileset Fileset) ([]filemeta.FileMeta, map[filemeta.Identity]filemeta.Metadata, error) {
	files := make([]filemeta.FileMeta, 0)
	userMeta := make(map[filemeta.Identity]filemeta.Metadata)

	for dataset, spec := range fileset {
		if len(spec.Files) > 0 && len(spec.FileTreenames) > 0 {
			return nil, nil, &retry.ConfigurationError{Err: fmt.Errorf("dataset %q: Files and FileTreenames are mutually exclusive", dataset)}
		}
		if len(spec.Metadata) > 0 {
			if err := filemeta.ValidateUserKeys(spec.Metadata); err != nil {
				return nil, nil, &retry.ConfigurationError{Err: fmt.Errorf("dataset %q: %w", dataset, err)}
			}
		}

		if len(spec.FileTreenames) > 0 {
			if spec.Treename != "" {
				return nil, nil, &retry.ConfigurationError{Err: fmt.Errorf("dataset %q: Treename must be empty when FileTreenames is set", dataset)}
			}
			for f, tree := range spec.FileTreenames {
				if tree == "" {
					return nil, nil, &retry.ConfigurationError{Err: fmt.Errorf("dataset %q: file %q has no tree name", dataset, f)}
				}
				fm := filemeta.FileMeta{Dataset: dataset, Filename: f, Treename: tree}
				files = append(files, fm)
				if len(spec.Metadata) > 0 {
					userMeta[fm.Identity()] = spec.Metadata
				}
			}
			continue
		}

		if spec.Treename == "" {
			return nil, nil, &retry.ConfigurationError{Err: fmt.Errorf("dataset %q: treename is required", dataset)}
		}
		for _, f := range spec.Files {
			fm := filemeta.FileMeta{Dataset: dataset, Filename: f, Treename: spec.Treename}
			files = append(files, fm)
			if len(spec.Metadata) > 0 {
				userMeta[fm.Identity()] = spec.Metadata
			}
		}
	}
	return files, userMeta, nil
}

// applyUserMetadata merges each file's user-supplied metadata into its
// (by now probe-populated) Metadata map. Reserved keys were already
// validated exclusive of the user set at normalization time, so a plain
// map merge cannot collide.
func applyUserMetadata(files []filemeta.FileMeta, userMeta map[filemeta.Identity]filemeta.Metadata) {
	if len(userMeta) == 0 {
		return
	}
	for i := range files {
		extra, ok := userMeta[files[i].Identity()]
		if !ok || files[i].Metadata == nil {
			continue
		}
		for k, v := range extra {
			files[i].Metadata[k] = v
		}
	}
}
