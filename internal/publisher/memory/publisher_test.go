package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "record-changes", crawler.ChangeEvent{Target: "yljg"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "record-changes", msgs[0].Topic)
	assert.Equal(t, "other", msgs[1].Topic)
	assert.Len(t, pub.ChangeEvents(), 1)

	msgs[0].Topic = "modified"
	assert.Equal(t, "record-changes", pub.Messages()[0].Topic, "Messages() must return a copy")
}
