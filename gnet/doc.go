// Package gnet contains the network task:
// a libp2p host that counts connections, reports new listen addresses,
// and gossips block announcements.
package gnet
