package types

// BuildStatus is the lifecycle state of a build job.
type BuildStatus string

// Build job states. Once a job leaves StatusBuilding it never re-enters it.
const (
	StatusBuilding  BuildStatus = "building"
	StatusSuccess   BuildStatus = "success"
	StatusError     BuildStatus = "error"
	StatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s BuildStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// BuildRequest describes one image build to start.
//
// Tags must be non-empty; all other fields are optional.
type BuildRequest struct {
	Context    string            `json:"context"`
	Dockerfile string            `json:"dockerfile,omitempty"`
	Tags       []string          `json:"tags"`
	BuildArgs  map[string]string `json:"buildArgs,omitempty"`
	Target     string            `json:"target,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	NoCache    bool              `json:"noCache,omitempty"`
	Pull       bool              `json:"pull,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// BuildResponse is returned by the build start endpoint.
type BuildResponse struct {
	BuildID   string `json:"buildId"`
	StreamURL string `json:"streamUrl"`
}
