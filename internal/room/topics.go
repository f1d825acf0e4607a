package room

// Broker topic kinds per box.
const (
	TopicSync        = "sync"
	TopicChat        = "chat"
	TopicInvitations = "invitations"
	TopicVideoCall   = "video-call"
	TopicCallUsers   = "call-users"
)

// The broker mirrors publish destinations and subscriptions with distinct
// prefixes: clients send on app/… and receive on topic/….
const (
	subPrefix = "topic/"
	pubPrefix = "app/"
)

// SubTopic is the subscription topic for one box stream.
func SubTopic(boxID, kind string) string {
	return subPrefix + "box/" + boxID + "/" + kind
}

// PubTopic is the publish destination for one box stream.
func PubTopic(boxID, kind string) string {
	return pubPrefix + "box/" + boxID + "/" + kind
}
