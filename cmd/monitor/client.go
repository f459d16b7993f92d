package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"agora/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

// apiError is a non-2xx answer from agora serve.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

type groupDetails struct {
	Group   domain.Group         `json:"group"`
	Members []domain.GroupMember `json:"members"`
}

// snapshot is everything the detail panes show for one group.
type snapshot struct {
	details    groupDetails
	transcript []domain.TranscriptMessage
	states     []domain.AgentGroupState
	seeds      []domain.TensionSeed
	scenes     []domain.SceneExecution
	decisions  []domain.DecisionLog
}

func (c *client) listGroups() ([]domain.Group, error) {
	var out []domain.Group
	if err := c.getJSON("/groups", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) createGroup(name string) (domain.Group, error) {
	var out domain.Group
	err := c.postJSON("/groups", map[string]string{"name": name}, &out)
	return out, err
}

func (c *client) addMember(groupID string, member domain.GroupMember) error {
	return c.postJSON(groupPath(groupID, "members"), member, nil)
}

// say posts content as userID, joining the group first when the user
// is not a member yet.
func (c *client) say(groupID string, userID string, content string) error {
	body := map[string]string{"author_id": userID, "content": content}
	err := c.postJSON(groupPath(groupID, "messages"), body, nil)
	var apiErr *apiError
	if err == nil || !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		return err
	}
	if err := c.addMember(groupID, domain.GroupMember{MemberID: userID, Kind: domain.AuthorUser}); err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	return c.postJSON(groupPath(groupID, "messages"), body, nil)
}

func (c *client) setHalted(groupID string, halted bool) error {
	action := "resume"
	if halted {
		action = "halt"
	}
	return c.postJSON(groupPath(groupID, action), nil, nil)
}

func (c *client) snapshot(groupID string, transcriptLimit int, decisionLimit int) (snapshot, error) {
	var s snapshot
	steps := []struct {
		path string
		out  any
	}{
		{groupPath(groupID, ""), &s.details},
		{groupPath(groupID, fmt.Sprintf("messages?limit=%d", transcriptLimit)), &s.transcript},
		{groupPath(groupID, "state"), &s.states},
		{groupPath(groupID, "seeds"), &s.seeds},
		{groupPath(groupID, "scenes?limit=5"), &s.scenes},
		{groupPath(groupID, fmt.Sprintf("decisions?limit=%d", decisionLimit)), &s.decisions},
	}
	for _, step := range steps {
		if err := c.getJSON(step.path, step.out); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (c *client) healthy() bool {
	resp, err := c.http.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 300
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: errorText(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func errorText(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

func groupPath(groupID string, rest string) string {
	p := "/groups/" + url.PathEscape(groupID)
	if rest != "" {
		p += "/" + rest
	}
	return p
}
