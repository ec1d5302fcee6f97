package userauth

import (
	"fmt"

	"github.com/dpat37/commons-net-ssh/sshbuf"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// noneMethod probes the server for the allowed method list.
type noneMethod struct{}

func (noneMethod) Name() string { return "none" }

func (noneMethod) Request(p *Params) error {
	_, err := p.Transport.Write(newRequest(p, "none"))
	return err
}

func (noneMethod) Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	return fmt.Errorf("userauth: unexpected reply %v to none request", msg)
}

// Password authenticates with a plain password. If the server demands a
// password change and NewPassword is set, one change round is attempted.
type Password struct {
	Password string

	// NewPassword, when non-nil, supplies a replacement password for
	// SSH_MSG_USERAUTH_PASSWD_CHANGEREQ. The prompt is the server's.
	NewPassword func(prompt string) (string, error)

	params  *Params
	changed bool
}

// Name returns "password".
func (m *Password) Name() string { return "password" }

// Request sends the password request.
func (m *Password) Request(p *Params) error {
	m.params = p
	buf := newRequest(p, "password")
	buf.PutBool(false)
	buf.PutString(m.Password)
	_, err := p.Transport.Write(buf)
	return err
}

// Handle processes SSH_MSG_USERAUTH_PASSWD_CHANGEREQ.
func (m *Password) Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	if msg != sshmsg.UserAuth60 {
		return fmt.Errorf("userauth: unexpected reply %v to password request", msg)
	}
	prompt, err := buf.GetString()
	if err != nil {
		return fmt.Errorf("userauth: malformed PASSWD_CHANGEREQ: %w", err)
	}
	if m.NewPassword == nil || m.changed {
		return &MethodError{Method: "password", Msg: "password change required by server"}
	}
	newPassword, err := m.NewPassword(prompt)
	if err != nil {
		return &MethodError{Method: "password", Msg: "password change callback failed", Err: err}
	}
	m.changed = true

	req := newRequest(m.params, "password")
	req.PutBool(true)
	req.PutString(m.Password)
	req.PutString(newPassword)
	m.params.Transport.WriteDeferred(req)
	return nil
}

// KeyboardInteractivePrompt is one prompt in an info request.
type KeyboardInteractivePrompt struct {
	Text string
	Echo bool
}

// KeyboardInteractive authenticates by relaying server prompts to a
// challenge callback.
type KeyboardInteractive struct {
	// Challenge answers one SSH_MSG_USERAUTH_INFO_REQUEST. It must return
	// exactly one response per prompt.
	Challenge func(name, instruction string, prompts []KeyboardInteractivePrompt) ([]string, error)

	params *Params
}

// Name returns "keyboard-interactive".
func (m *KeyboardInteractive) Name() string { return "keyboard-interactive" }

// Request starts the interactive exchange.
func (m *KeyboardInteractive) Request(p *Params) error {
	m.params = p
	buf := newRequest(p, "keyboard-interactive")
	buf.PutString("") // language tag
	buf.PutString("") // submethods
	_, err := p.Transport.Write(buf)
	return err
}

// Handle answers one SSH_MSG_USERAUTH_INFO_REQUEST with an INFO_RESPONSE.
func (m *KeyboardInteractive) Handle(msg sshmsg.Message, buf *sshbuf.Buffer) error {
	if msg != sshmsg.UserAuth60 {
		return fmt.Errorf("userauth: unexpected reply %v to keyboard-interactive request", msg)
	}
	name, err := buf.GetString()
	if err != nil {
		return fmt.Errorf("userauth: malformed INFO_REQUEST: %w", err)
	}
	instruction, err := buf.GetString()
	if err != nil {
		return fmt.Errorf("userauth: malformed INFO_REQUEST: %w", err)
	}
	if _, err = buf.GetString(); err != nil { // language tag
		return fmt.Errorf("userauth: malformed INFO_REQUEST: %w", err)
	}
	n, err := buf.GetUint32()
	if err != nil {
		return fmt.Errorf("userauth: malformed INFO_REQUEST: %w", err)
	}
	prompts := make([]KeyboardInteractivePrompt, n)
	for i := range prompts {
		if prompts[i].Text, err = buf.GetString(); err != nil {
			return fmt.Errorf("userauth: malformed INFO_REQUEST prompt: %w", err)
		}
		if prompts[i].Echo, err = buf.GetBool(); err != nil {
			return fmt.Errorf("userauth: malformed INFO_REQUEST prompt: %w", err)
		}
	}

	responses, err := m.Challenge(name, instruction, prompts)
	if err != nil {
		return &MethodError{Method: "keyboard-interactive", Msg: "challenge callback failed", Err: err}
	}
	if len(responses) != len(prompts) {
		return &MethodError{Method: "keyboard-interactive",
			Msg: fmt.Sprintf("callback returned %d responses for %d prompts", len(responses), len(prompts))}
	}

	reply := sshbuf.NewPacket(byte(sshmsg.UserAuthInfoResponse))
	reply.PutUint32(uint32(len(responses)))
	for _, r := range responses {
		reply.PutString(r)
	}
	m.params.Transport.WriteDeferred(reply)
	return nil
}
