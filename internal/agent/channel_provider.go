package agent

import "context"

// channelNotes maps request sources to system prompt notes describing
// how replies will be delivered.
var channelNotes = map[string]string{
	SourceVoice: "[Channel: voice. Your reply will be read aloud. Keep it short, " +
		"avoid code blocks and tables, and spell out anything that only makes sense visually.]",
	SourceCLI: "[Channel: command line. Plain text renders best; nobody is available " +
		"to approve risky actions, so prefer safe alternatives.]",
	SourceScheduled: "[Channel: scheduled task. No human is watching this run; " +
		"report results plainly.]",
}

// ChannelProvider is a ContextProvider that injects a note about the
// request's delivery channel. Unknown sources get nothing.
type ChannelProvider struct{}

// NewChannelProvider creates a channel awareness context provider.
func NewChannelProvider() *ChannelProvider {
	return &ChannelProvider{}
}

// GetContext returns the note for req.Source, or "".
func (p *ChannelProvider) GetContext(_ context.Context, req *Request) (string, error) {
	return channelNotes[req.Source], nil
}
