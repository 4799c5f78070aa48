// Package chatcore is the realtime messaging core behind a conversation view.
//
// A View owns one SubscriptionManager handle, a Timeline, a Sender, a Loader
// and a Directory. The Timeline is the single merge point for the three
// message sources: history loaded over REST, optimistic local echoes, and
// frames pushed over the shared transport.
package chatcore
