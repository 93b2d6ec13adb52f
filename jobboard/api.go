// Package jobboard is a typed facade over the job-board backend. Every call
// goes through the authenticated request pipeline.
package jobboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jrsteele09/jobboard-client/apiclient"
	"github.com/jrsteele09/jobboard-client/identity"
)

// Sender is the request pipeline. *apiclient.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, req *apiclient.Request) (*apiclient.Response, error)
}

type API struct {
	client Sender
}

func New(client Sender) *API {
	return &API{client: client}
}

// Verify returns the user the current credential belongs to.
func (a *API) Verify(ctx context.Context) (identity.User, error) {
	var u identity.User
	err := a.get(ctx, "/auth/verify", "user", &u)
	return u, err
}

func (a *API) GetProfile(ctx context.Context) (Profile, error) {
	var p Profile
	err := a.get(ctx, "/user/profile", "profile", &p)
	return p, err
}

func (a *API) UpdateProfile(ctx context.Context, update ProfileUpdate) (Profile, error) {
	var p Profile
	err := a.sendJSON(ctx, http.MethodPut, "/user/profile", update, "profile", &p)
	return p, err
}

func (a *API) ListJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := a.get(ctx, "/jobs", "jobs", &jobs)
	return jobs, err
}

func (a *API) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := a.get(ctx, jobPath(id), "job", &j)
	return j, err
}

func (a *API) PostJob(ctx context.Context, in JobInput) (Job, error) {
	var j Job
	err := a.sendJSON(ctx, http.MethodPost, "/jobs/post", in, "job", &j)
	return j, err
}

func (a *API) UpdateJob(ctx context.Context, id string, in JobInput) (Job, error) {
	var j Job
	err := a.sendJSON(ctx, http.MethodPut, jobPath(id), in, "job", &j)
	return j, err
}

func (a *API) DeleteJob(ctx context.Context, id string) error {
	_, err := a.client.Send(ctx, apiclient.NewRequest(http.MethodDelete, jobPath(id)))
	return err
}

// MyJobs lists the jobs posted by the signed-in requester.
func (a *API) MyJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := a.get(ctx, "/jobs/my-jobs", "jobs", &jobs)
	return jobs, err
}

// MatchedJobs lists jobs ranked against the signed-in applicant's resume.
func (a *API) MatchedJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := a.get(ctx, "/jobs/match", "jobs", &jobs)
	return jobs, err
}

func (a *API) ApplyToJob(ctx context.Context, id string) (Application, error) {
	var app Application
	resp, err := a.client.Send(ctx, apiclient.NewRequest(http.MethodPost, jobPath(id)+"/apply"))
	if err != nil {
		return app, err
	}
	return app, decodeField(resp, "application", &app)
}

func (a *API) JobApplicants(ctx context.Context, id string) ([]Applicant, error) {
	var applicants []Applicant
	err := a.get(ctx, jobPath(id)+"/applicants", "applicants", &applicants)
	return applicants, err
}

func (a *API) MyApplications(ctx context.Context) ([]Application, error) {
	var apps []Application
	err := a.get(ctx, "/applications/my-applications", "applications", &apps)
	return apps, err
}

func (a *API) GetResume(ctx context.Context) (Resume, error) {
	var r Resume
	err := a.get(ctx, "/resume", "resume", &r)
	return r, err
}

// UploadResume sends a resume file for parsing and returns the extracted
// profile. The backend accepts PDF and DOCX files.
func (a *API) UploadResume(ctx context.Context, filename string, file io.Reader) (Resume, error) {
	var r Resume
	req, err := apiclient.NewMultipartRequest(http.MethodPost, "/resume/upload", "file", filename, file)
	if err != nil {
		return r, err
	}
	resp, err := a.client.Send(ctx, req)
	if err != nil {
		return r, err
	}
	return r, decodeField(resp, "resume", &r)
}

func jobPath(id string) string {
	return "/jobs/" + url.PathEscape(id)
}

func (a *API) get(ctx context.Context, path, field string, out any) error {
	resp, err := a.client.Send(ctx, apiclient.NewRequest(http.MethodGet, path))
	if err != nil {
		return err
	}
	return decodeField(resp, field, out)
}

func (a *API) sendJSON(ctx context.Context, method, path string, in any, field string, out any) error {
	req, err := apiclient.NewJSONRequest(method, path, in)
	if err != nil {
		return err
	}
	resp, err := a.client.Send(ctx, req)
	if err != nil {
		return err
	}
	return decodeField(resp, field, out)
}

// decodeField decodes the envelope member field into out, or the whole body
// when the backend returned the object bare.
func decodeField(resp *apiclient.Response, field string, out any) error {
	if len(resp.Body) == 0 {
		return nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &envelope); err == nil {
		if raw, ok := envelope[field]; ok {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode %s: %w", field, err)
			}
			return nil
		}
	}
	return resp.DecodeJSON(out)
}
