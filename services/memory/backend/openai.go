// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultSystemPrompt frames the context window for chat-style hosted
// models. The memory engine hands the model a single flattened window,
// not a message list, so the prompt tells the model to continue it.
const DefaultSystemPrompt = "You are a helpful assistant. The user message contains the " +
	"conversation so far, possibly compressed. Continue the conversation naturally."

// OpenAI drives a hosted OpenAI-compatible chat model. It satisfies
// Generator, StreamingGenerator, and the embedding encoder contract;
// attention scores and logit probes are not available from the hosted
// API, so importance policies degrade to their recency fallback.
type OpenAI struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
	tokenizer      *Tokenizer
	systemPrompt   string
}

// OpenAIOption customizes an OpenAI backend.
type OpenAIOption func(*OpenAI)

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(prompt string) OpenAIOption {
	return func(o *OpenAI) { o.systemPrompt = prompt }
}

// WithEmbeddingModel overrides the default small embedding model.
func WithEmbeddingModel(model openai.EmbeddingModel) OpenAIOption {
	return func(o *OpenAI) { o.embeddingModel = model }
}

// WithBaseURL points the client at an OpenAI-compatible server such as
// a local llama.cpp or vLLM endpoint.
func WithBaseURL(apiKey, baseURL string) OpenAIOption {
	return func(o *OpenAI) {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		o.client = openai.NewClientWithConfig(cfg)
	}
}

// NewOpenAI creates a hosted backend for the given model.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if model == "" {
		return nil, errors.New("backend: model name required")
	}
	tok, err := NewTokenizer(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	o := &OpenAI{
		client:         openai.NewClient(apiKey),
		model:          model,
		embeddingModel: openai.SmallEmbedding3,
		tokenizer:      tok,
		systemPrompt:   DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Encode tokenizes text with the backend's tokenizer.
func (o *OpenAI) Encode(text string) ([]int, error) { return o.tokenizer.Encode(text) }

// Decode detokenizes IDs with the backend's tokenizer.
func (o *OpenAI) Decode(tokens []int) (string, error) { return o.tokenizer.Decode(tokens) }

// ModelName returns the hosted model identifier.
func (o *OpenAI) ModelName() string { return o.model }

// Generate decodes the context window into a prompt, requests a chat
// completion, and re-encodes the reply.
func (o *OpenAI) Generate(ctx context.Context, contextTokens []int, maxNewTokens int) ([]int, error) {
	prompt, err := o.tokenizer.Decode(contextTokens)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: maxNewTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("backend: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("backend: empty completion response")
	}
	return o.tokenizer.Encode(resp.Choices[0].Message.Content)
}

// GenerateStream streams the completion, emitting each text delta, and
// returns the full reply re-encoded.
func (o *OpenAI) GenerateStream(ctx context.Context, contextTokens []int, maxNewTokens int, emit func(chunk string) error) ([]int, error) {
	prompt, err := o.tokenizer.Decode(contextTokens)
	if err != nil {
		return nil, err
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: maxNewTokens,
		Stream:    true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("backend: open completion stream: %w", err)
	}
	defer stream.Close()

	var full string
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, fmt.Errorf("backend: stream recv: %w", recvErr)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full += delta
		if emit != nil {
			if err := emit(delta); err != nil {
				return nil, err
			}
		}
	}
	return o.tokenizer.Encode(full)
}

// EmbedTexts embeds texts with the configured embedding model, in input
// order.
func (o *OpenAI) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: o.embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("backend: %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("backend: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
