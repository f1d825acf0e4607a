package room

import "testing"

func TestTopicNaming(t *testing.T) {
	if got := SubTopic("b1", TopicSync); got != "topic/box/b1/sync" {
		t.Fatalf("sub = %q", got)
	}
	if got := PubTopic("b1", TopicSync); got != "app/box/b1/sync" {
		t.Fatalf("pub = %q", got)
	}
	if got := SubTopic("b2", TopicVideoCall); got != "topic/box/b2/video-call" {
		t.Fatalf("sub = %q", got)
	}
	if got := PubTopic("b2", TopicCallUsers); got != "app/box/b2/call-users" {
		t.Fatalf("pub = %q", got)
	}
}
