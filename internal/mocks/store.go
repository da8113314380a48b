package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) InsertMessage(ctx context.Context, msg model.NewMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *StoreMock) ListMessages(ctx context.Context, q store.MessageQuery) ([]model.Message, error) {
	args := m.Called(ctx, q)
	var list []model.Message
	if val := args.Get(0); val != nil {
		list = val.([]model.Message)
	}
	return list, args.Error(1)
}

func (m *StoreMock) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *StoreMock) UpdateTyping(ctx context.Context, username string, isTyping bool) error {
	args := m.Called(ctx, username, isTyping)
	return args.Error(0)
}

func (m *StoreMock) ListTyping(ctx context.Context) ([]model.TypingStatus, error) {
	args := m.Called(ctx)
	var list []model.TypingStatus
	if val := args.Get(0); val != nil {
		list = val.([]model.TypingStatus)
	}
	return list, args.Error(1)
}

func (m *StoreMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type FeedMock struct {
	mock.Mock
}

func (m *FeedMock) Subscribe(ctx context.Context, topic store.Topic, handler store.Handler) (store.Subscription, error) {
	args := m.Called(ctx, topic, handler)
	var sub store.Subscription
	if val := args.Get(0); val != nil {
		sub = val.(store.Subscription)
	}
	return sub, args.Error(1)
}

type SubscriptionMock struct {
	mock.Mock
}

func (m *SubscriptionMock) Topic() store.Topic {
	args := m.Called()
	return args.Get(0).(store.Topic)
}

func (m *SubscriptionMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
