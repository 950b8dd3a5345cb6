package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectIntentOrdering(t *testing.T) {
	t.Parallel()

	cases := []struct {
		message    string
		capability string
		confidence float64
	}{
		{"Learn how to use Canva", "Canva", 0.95},
		{"please integrate with Stripe", "Stripe", 0.9},
		{"add Slack integration", "Slack", 0.9},
		{"set up Twilio for me", "Twilio For Me", 0.85},
		{"I want you to use Notion", "Notion", 0.75},
		{"can you connect to Spotify", "Spotify", 0.7},
		{"can you use GitHub", "Github", 0.7},
		{"connect to Shopify", "Shopify", 0.9},
		{"learn to make coffee", "Make Coffee", 0.6},
	}
	for _, tc := range cases {
		intent := DetectIntent(tc.message)
		require.NotNil(t, intent, tc.message)
		assert.Equal(t, tc.capability, intent.Capability, tc.message)
		assert.Equal(t, tc.confidence, intent.Confidence, tc.message)
	}

	assert.Nil(t, DetectIntent("what's for dinner tonight?"))
}

func TestDetectIntentStripsTrailingNoise(t *testing.T) {
	t.Parallel()
	intent := DetectIntent("learn how to use the Stripe API")
	require.NotNil(t, intent)
	assert.Equal(t, "The Stripe", intent.Capability)

	intent = DetectIntent("integrate with canva platform")
	require.NotNil(t, intent)
	assert.Equal(t, "Canva", intent.Capability)
}

func TestDetectIntentRejectsOverlongPhrases(t *testing.T) {
	t.Parallel()
	long := "learn how to use " + string(make([]byte, 0))
	for i := 0; i < 30; i++ {
		long += "verylongword "
	}
	assert.Nil(t, DetectIntent(long))
}

func TestLooksLikeServiceName(t *testing.T) {
	t.Parallel()
	assert.True(t, LooksLikeServiceName("Stripe"))
	assert.True(t, LooksLikeServiceName("Google Sheets"))
	assert.False(t, LooksLikeServiceName("Check The Weather"))
	assert.False(t, LooksLikeServiceName("Send Daily Summaries To My Team Every Morning"))
	assert.False(t, LooksLikeServiceName(""))
}

func TestMarkerRoundTrip(t *testing.T) {
	t.Parallel()
	marker := BuildMarker("Tell Time")
	assert.Equal(t, "<!-- learning-clarification:Tell Time -->", marker)

	text := marker + "\nShall I research that?"
	capability, ok := ExtractMarker(text)
	require.True(t, ok)
	assert.Equal(t, "Tell Time", capability)

	_, ok = ExtractMarker("no marker here")
	assert.False(t, ok)
}

func TestClarificationPromptBranches(t *testing.T) {
	t.Parallel()
	service := ClarificationPrompt("Stripe")
	assert.Contains(t, service, "Shall I research the Stripe API?")
	assert.Contains(t, service, BuildMarker("Stripe"))

	task := ClarificationPrompt("Check The Weather")
	assert.Contains(t, task, "Which API or service")
}

func TestClassifyReply(t *testing.T) {
	t.Parallel()

	t.Run("negative aborts", func(t *testing.T) {
		for _, reply := range []string{"no", "No thanks", "never mind", "cancel that", "stop"} {
			_, action := ClassifyReply("Tell Time", reply)
			assert.Equal(t, ReplyAbort, action, reply)
		}
	})

	t.Run("api mention used verbatim", func(t *testing.T) {
		query, action := ClassifyReply("Tell Time", "use the WorldTime API")
		assert.Equal(t, ReplyProceed, action)
		assert.Equal(t, "use the WorldTime API", query)
	})

	t.Run("bare affirmative appends API", func(t *testing.T) {
		query, action := ClassifyReply("Tell Time", "Yes")
		assert.Equal(t, ReplyProceed, action)
		assert.Equal(t, "Tell Time API", query)
	})

	t.Run("affirmative with known brand resolves service", func(t *testing.T) {
		query, action := ClassifyReply("Track Designs In Canva", "yes please do")
		assert.Equal(t, ReplyProceed, action)
		assert.Equal(t, "Canva API", query)
	})

	t.Run("short reply becomes query", func(t *testing.T) {
		query, action := ClassifyReply("Tell Time", "worldtime")
		assert.Equal(t, ReplyProceed, action)
		assert.Equal(t, "worldtime API", query)
	})

	t.Run("long reply is unclear", func(t *testing.T) {
		_, action := ClassifyReply("Tell Time", "well actually I was thinking about something entirely different you know")
		assert.Equal(t, ReplyUnclear, action)
	})
}

func TestSlug(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "canva", Slug("Canva"))
	assert.Equal(t, "google_sheets", Slug("Google Sheets"))
	assert.Equal(t, "worldtime_api_v2", Slug("WorldTime API v2!"))
	assert.Equal(t, "service", Slug("!!!"))
}
