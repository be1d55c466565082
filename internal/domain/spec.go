package domain

// FileSpec names one remote file of an artifact. Size is the catalog's
// best guess and may be zero when unknown; the transfer's Content-Length
// takes precedence once it arrives.
type FileSpec struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
	Size int64  `json:"size" validate:"min=0"`
}

// DownloadSpec describes one logical download submitted to the registry.
// For KindModel the first file is the weights; ProjectorCandidates lists
// possible vision-projector sources in probe order (the quant's own source
// first, then the base source). Other kinds ignore ProjectorCandidates.
type DownloadSpec struct {
	Identity string     `json:"identity" validate:"required"`
	Kind     Kind       `json:"kind" validate:"required,oneof=model bundle dataset embedder"`
	Files    []FileSpec `json:"files" validate:"required,min=1,dive"`

	ProjectorCandidates []string `json:"projector_candidates,omitempty" validate:"omitempty,dive,url"`
}

// Primary returns the artifact's main file (weights for models).
func (s DownloadSpec) Primary() FileSpec {
	return s.Files[0]
}

// AggregateSnapshot is the read-only view of every active download.
type AggregateSnapshot struct {
	Progress    float64 `json:"progress"`
	AllComplete bool    `json:"all_complete"`
	Items       []*Item `json:"items"`
}
