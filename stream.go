package llmgateway

import (
	"context"
	"strings"

	"github.com/ferro-labs/llm-gateway/providers"
)

// stream forwards one provider's chunks to onChunk and assembles the
// streamed answer into a Response. Errors before the first forwarded chunk
// are returned as-is so the call can be retried or failed over; later ones
// are wrapped in streamError.
//
// The provider goroutine runs under a derived context that is canceled on
// return, so it never outlives the call.
func (g *Gateway) stream(ctx context.Context, c candidate, req providers.Request, st *callState, onChunk func(providers.StreamChunk) error) (*providers.Response, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := c.entry.Client.CompleteStream(sctx, req)
	if err != nil {
		return nil, err
	}

	out := &providers.Response{Object: "chat.completion", Model: c.model, Provider: c.entry.Name()}
	var (
		content   strings.Builder
		role      = providers.RoleAssistant
		finish    string
		forwarded int
	)
	for {
		select {
		case <-ctx.Done():
			if forwarded == 0 {
				return nil, ctx.Err()
			}
			return nil, &streamError{err: ctx.Err(), status: StatusClientClosedRequest}

		case chunk, ok := <-ch:
			if !ok {
				out.Choices = []providers.Choice{{
					Message:      providers.Message{Role: role, Content: content.String()},
					FinishReason: finish,
				}}
				return out, nil
			}
			if chunk.Error != nil {
				if forwarded == 0 {
					return nil, chunk.Error
				}
				_ = onChunk(providers.StreamChunk{ID: chunk.ID, Model: chunk.Model, Error: chunk.Error})
				return nil, &streamError{err: chunk.Error, status: StatusCode(chunk.Error)}
			}

			if out.ID == "" {
				out.ID = chunk.ID
			}
			if out.Created == 0 {
				out.Created = chunk.Created
			}
			if chunk.Model != "" {
				out.Model = chunk.Model
			}
			for _, choice := range chunk.Choices {
				if choice.Index != 0 {
					continue
				}
				if choice.Delta.Role != "" {
					role = choice.Delta.Role
				}
				content.WriteString(choice.Delta.Content)
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
			}
			if chunk.Usage != nil {
				out.Usage = *chunk.Usage
				st.usage = *chunk.Usage
			}

			if err := onChunk(chunk); err != nil {
				return nil, &streamError{err: err, status: StatusClientClosedRequest}
			}
			forwarded++
		}
	}
}
