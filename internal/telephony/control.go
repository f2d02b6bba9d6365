package telephony

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// callUpdater is the part of the Twilio REST API used for call control.
type callUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// Controller redirects and ends live calls through the Twilio REST API.
type Controller struct {
	api callUpdater
}

// NewController creates a Controller for the given account.
func NewController(accountSID, authToken string) *Controller {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Controller{api: rc.Api}
}

// Transfer replaces the live call's TwiML with a dial to target.
func (c *Controller) Transfer(ctx context.Context, callID, target string) error {
	twiml, err := RenderDial(target)
	if err != nil {
		return fmt.Errorf("telephony: transfer %s: %w", callID, err)
	}
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if err := c.update(ctx, callID, params); err != nil {
		return fmt.Errorf("telephony: transfer %s: %w", callID, err)
	}
	return nil
}

// Hangup ends the live call.
func (c *Controller) Hangup(ctx context.Context, callID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if err := c.update(ctx, callID, params); err != nil {
		return fmt.Errorf("telephony: hangup %s: %w", callID, err)
	}
	return nil
}

// update runs the blocking REST call and gives up when ctx ends first.
func (c *Controller) update(ctx context.Context, callID string, params *openapi.UpdateCallParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.api.UpdateCall(callID, params)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
