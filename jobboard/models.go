package jobboard

import "github.com/jrsteele09/jobboard-client/identity"

type Profile struct {
	identity.User
	CreatedAt      string         `json:"createdAt,omitempty"`
	LastLogin      string         `json:"lastLogin,omitempty"`
	AdditionalInfo map[string]any `json:"additionalInfo,omitempty"`
}

// ProfileUpdate holds the editable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	DisplayName    *string        `json:"displayName,omitempty"`
	PhotoURL       *string        `json:"photoURL,omitempty"`
	AdditionalInfo map[string]any `json:"additionalInfo,omitempty"`
}

type Job struct {
	ID                  string      `json:"id"`
	Title               string      `json:"title"`
	Company             string      `json:"company,omitempty"`
	Location            string      `json:"location,omitempty"`
	Description         string      `json:"description,omitempty"`
	EnhancedDescription string      `json:"enhanced_description,omitempty"`
	KeyRequirements     []string    `json:"key_requirements,omitempty"`
	KeyResponsibilities []string    `json:"key_responsibilities,omitempty"`
	CompensationInfo    string      `json:"compensation_info,omitempty"`
	AdditionalDetails   string      `json:"additional_details,omitempty"`
	PostedBy            string      `json:"posted_by,omitempty"`
	MatchScore          float64     `json:"match_score,omitempty"`
	CreatedAt           string      `json:"createdAt,omitempty"`
	Applicants          []Applicant `json:"applicants,omitempty"`
}

// JobInput is the body for posting or updating a job.
type JobInput struct {
	Title             string `json:"title"`
	Company           string `json:"company,omitempty"`
	Location          string `json:"location,omitempty"`
	Description       string `json:"description"`
	CompensationInfo  string `json:"compensation_info,omitempty"`
	AdditionalDetails string `json:"additional_details,omitempty"`
}

type Applicant struct {
	ID              string   `json:"id,omitempty"`
	ApplicantID     string   `json:"applicant_id"`
	Name            string   `json:"name,omitempty"`
	Email           string   `json:"email,omitempty"`
	Status          string   `json:"status,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	TechnicalSkills []string `json:"technical_skills,omitempty"`
}

type Application struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	JobTitle  string `json:"job_title,omitempty"`
	Company   string `json:"company,omitempty"`
	Status    string `json:"status,omitempty"`
	AppliedAt string `json:"applied_at,omitempty"`
}

type Resume struct {
	ID                   string   `json:"id,omitempty"`
	Name                 string   `json:"name,omitempty"`
	Email                string   `json:"email,omitempty"`
	Phone                string   `json:"phone,omitempty"`
	Summary              string   `json:"summary,omitempty"`
	ExperienceSummary    string   `json:"experience_summary,omitempty"`
	EducationSummary     string   `json:"education_summary,omitempty"`
	TechnicalSkills      []string `json:"technical_skills,omitempty"`
	SoftSkills           []string `json:"soft_skills,omitempty"`
	ProgrammingLanguages []string `json:"programming_languages,omitempty"`
	FrameworksTools      []string `json:"frameworks_tools,omitempty"`
	Certifications       []string `json:"certifications,omitempty"`
	Projects             []string `json:"projects,omitempty"`
}
