package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRabbitChangeNotifier_DialError(t *testing.T) {
	dialer := NewMockAMQPDialerWithError(assert.AnError)
	config := ChangeNotifierConfig{AMQPURL: "amqp://nonexistent:5672", ExchangeName: "changes"}

	notifier, err := NewRabbitChangeNotifierWithDialer(config, dialer)
	require.Error(t, err)
	assert.Nil(t, notifier)
}

func TestNewRabbitChangeNotifier_ChannelError(t *testing.T) {
	dialer := SetupMockDialerWithChannelError()
	config := ChangeNotifierConfig{AMQPURL: "amqp://localhost:5672", ExchangeName: "changes"}

	notifier, err := NewRabbitChangeNotifierWithDialer(config, dialer)
	require.Error(t, err)
	assert.Nil(t, notifier)
}

func TestNewRabbitChangeNotifier_ExchangeDeclareError(t *testing.T) {
	mockChannel := &MockAMQPChannel{ExchangeDeclareErr: assert.AnError}
	mockConn := &MockAMQPConnection{MockChannel: mockChannel}
	dialer := &MockAMQPDialer{MockConnection: mockConn}
	config := ChangeNotifierConfig{AMQPURL: "amqp://localhost:5672", ExchangeName: "changes"}

	notifier, err := NewRabbitChangeNotifierWithDialer(config, dialer)
	require.Error(t, err)
	assert.Nil(t, notifier)
	assert.True(t, mockChannel.ExchangeDeclareCalled)
	assert.Equal(t, "topic", mockChannel.LastExchangeKind)
}

func TestRabbitChangeNotifier_Publish(t *testing.T) {
	dialer, mockChannel, _ := SetupMockDialerForTest()
	config := ChangeNotifierConfig{AMQPURL: "amqp://localhost:5672", ExchangeName: "changes"}

	notifier, err := NewRabbitChangeNotifierWithDialer(config, dialer)
	require.NoError(t, err)

	event := ChangeEvent{Model: "datasets/gov/Org", ID: "abc123", Action: "insert", Change: 42}
	require.NoError(t, notifier.Publish(event))

	require.Len(t, mockChannel.PublishedMessages, 1)
	assert.Equal(t, "datasets/gov/Org", mockChannel.LastKey)
	assert.Equal(t, "changes", mockChannel.LastExchange)

	var decoded ChangeEvent
	require.NoError(t, json.Unmarshal(mockChannel.PublishedMessages[0].Body, &decoded))
	assert.Equal(t, event, decoded)
}

func TestRabbitChangeNotifier_PublishError(t *testing.T) {
	mockChannel := &MockAMQPChannel{PublishErr: assert.AnError}
	mockConn := &MockAMQPConnection{MockChannel: mockChannel}
	dialer := &MockAMQPDialer{MockConnection: mockConn}
	config := ChangeNotifierConfig{AMQPURL: "amqp://localhost:5672", ExchangeName: "changes"}

	notifier, err := NewRabbitChangeNotifierWithDialer(config, dialer)
	require.NoError(t, err)

	err = notifier.Publish(ChangeEvent{Model: "Org", ID: "1", Action: "update", Change: 1})
	assert.Error(t, err)
}

func TestRabbitChangeNotifier_Close(t *testing.T) {
	dialer, mockChannel, mockConn := SetupMockDialerForTest()
	config := ChangeNotifierConfig{AMQPURL: "amqp://localhost:5672", ExchangeName: "changes"}

	notifier, err := NewRabbitChangeNotifierWithDialer(config, dialer)
	require.NoError(t, err)

	require.NoError(t, notifier.Close())
	assert.True(t, mockChannel.CloseCalled)
	assert.True(t, mockConn.CloseCalled)
}
