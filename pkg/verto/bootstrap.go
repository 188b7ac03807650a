package verto

import (
	"encoding/json"
	"fmt"
	"net/http"

	"peer-call/pkg/log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SessionData is what the session-bootstrap service hands out in exchange
// for a session ID: the login identity for the signaling server.
type SessionData struct {
	SessionID string `json:"-"`
	ClientID  string `json:"clientId"`
	Password  string `json:"password"`
}

// fetchSessionData presents the persisted session ID to the bootstrap
// service. A "not found" answer means the server no longer knows the ID, so
// a fresh one is minted and presented exactly once before giving up.
func (c *Client) fetchSessionData() (SessionData, error) {
	sessionID, err := c.sessionID(false)
	if err != nil {
		return SessionData{}, err
	}

	data, status, err := c.lookupSession(sessionID)
	if err != nil {
		return SessionData{}, err
	}

	if status == http.StatusNotFound {
		log.Infof("session %s rejected, minting a new one", sessionID)

		sessionID, err = c.sessionID(true)
		if err != nil {
			return SessionData{}, err
		}

		data, status, err = c.lookupSession(sessionID)
		if err != nil {
			return SessionData{}, err
		}
	}

	if status != http.StatusOK {
		return SessionData{}, errors.Errorf("session lookup: status %d", status)
	}

	data.SessionID = sessionID

	return data, nil
}

func (c *Client) lookupSession(sessionID string) (SessionData, int, error) {
	url := fmt.Sprintf("%s?sessionId=%s", c.cfg.SessionURL, sessionID)

	resp, err := c.cfg.HTTPClient.Get(url)
	if err != nil {
		return SessionData{}, 0, errors.Wrap(err, "session lookup")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SessionData{}, resp.StatusCode, nil
	}

	data := SessionData{}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return SessionData{}, 0, errors.Wrap(err, "session lookup")
	}

	return data, resp.StatusCode, nil
}

// sessionID returns the session ID persisted for this channel, minting and
// persisting a new one when there is none yet or the old one expired.
func (c *Client) sessionID(expired bool) (string, error) {
	sessionID := c.store.Get(c.cfg.ChannelID, "sessionId")

	if sessionID == "" || expired {
		sessionID = uuid.NewString()

		if _, err := c.store.Set(c.cfg.ChannelID, "sessionId", sessionID); err != nil {
			return "", errors.Wrap(err, "persist session id")
		}
	}

	return sessionID, nil
}
