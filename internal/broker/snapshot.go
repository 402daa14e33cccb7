package broker

import "sort"

// ClientInfo is one row of the admin client view.
type ClientInfo struct {
	ID          uint8  `json:"id"`
	Serial      string `json:"serial"`
	Registered  bool   `json:"registered"`
	Online      bool   `json:"online"`
	MissedPings uint8  `json:"missed_pings"`
}

// TopicInfo is one row of the admin topic view.
type TopicInfo struct {
	Hash        uint16  `json:"hash"`
	Name        string  `json:"name"`
	Subscribers []uint8 `json:"subscribers"`
}

// SnapshotClients lists every known permanent client.
func (b *Broker) SnapshotClients() []ClientInfo {
	out := make([]ClientInfo, 0, len(b.identities))
	for id, ident := range b.identities {
		info := ClientInfo{ID: id, Serial: ident.serial, Registered: ident.registered}
		if state, ok := b.ping[id]; ok {
			info.Online = state.online
			info.MissedPings = state.missed
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubscriptionInfo is one row of the admin per-client subscription view.
type SubscriptionInfo struct {
	ClientID uint8    `json:"client_id"`
	Topics   []string `json:"topics"`
}

// SnapshotTopics lists every topic with at least one subscriber.
func (b *Broker) SnapshotTopics() []TopicInfo {
	out := make([]TopicInfo, 0, len(b.subs))
	for hash, entry := range b.subs {
		subs := make([]uint8, len(entry.subscribers))
		copy(subs, entry.subscribers)
		sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
		out = append(out, TopicInfo{Hash: hash, Name: b.registry.Name(hash), Subscribers: subs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// SnapshotSubscriptions lists the topics routed to each subscribed client.
func (b *Broker) SnapshotSubscriptions() []SubscriptionInfo {
	byClient := make(map[uint8][]string)
	for hash, entry := range b.subs {
		name := b.registry.Name(hash)
		for _, sub := range entry.subscribers {
			byClient[sub] = append(byClient[sub], name)
		}
	}
	out := make([]SubscriptionInfo, 0, len(byClient))
	for id, topics := range byClient {
		sort.Strings(topics)
		out = append(out, SubscriptionInfo{ClientID: id, Topics: topics})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
