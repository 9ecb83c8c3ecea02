/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package scramclient implements the client side of SCRAM-SHA-1/256/512
// authentication for the connection pool's SASL handshake (spec §4.3). It
// mirrors the server-side state machine the teacher repo implements in
// contrib/scramserver, reading from the wire instead of writing to it.
package scramclient

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SCRAM-SHA1 is a server-offered mechanism, weakest of four
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
)

var b64 = base64.StdEncoding

var ErrNotStarted = errors.New("scramclient: Step called before Start")

// Client drives one SCRAM-SHA-* exchange as the party authenticating.
type Client struct {
	hashFn func() hash.Hash

	username string
	password string

	clientNonce []byte

	clientFirstMsgBare         []byte
	serverFirstMsg             []byte
	clientFinalMsgWithoutProof []byte

	saltedPassword []byte
}

// NewClient builds a SCRAM client for one of "SCRAM-SHA1", "SCRAM-SHA256",
// "SCRAM-SHA512". username/password are the bucket (or cluster) credentials
// the connection pool authenticates with.
func NewClient(mechanism, username, password string) (*Client, error) {
	hashFn, err := parseHashFn(mechanism)
	if err != nil {
		return nil, err
	}

	nonceLen := 24
	nonce := make([]byte, b64.EncodedLen(nonceLen))
	raw := make([]byte, nonceLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("scramclient: reading random nonce: %w", err)
	}
	b64.Encode(nonce, raw)

	return &Client{
		hashFn:      hashFn,
		username:    username,
		password:    password,
		clientNonce: nonce,
	}, nil
}

func parseHashFn(mechanism string) (func() hash.Hash, error) {
	switch mechanism {
	case "SCRAM-SHA512":
		return sha512.New, nil
	case "SCRAM-SHA256":
		return sha256.New, nil
	case "SCRAM-SHA1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("scramclient: unknown mechanism: %s", mechanism)
	}
}

// Start produces the client-first-message to send as the SASLAuth payload.
func (c *Client) Start() []byte {
	var msg bytes.Buffer
	msg.Grow(64)
	msg.WriteString("n,,n=")
	msg.WriteString(c.username)
	msg.WriteString(",r=")
	msg.Write(c.clientNonce)

	full := msg.Bytes()

	idx := bytes.Index(full, []byte("n="))
	c.clientFirstMsgBare = append([]byte(nil), full[idx:]...)

	return full
}

// Step consumes the server-first-message (SASLAuth's StatusAuthContinue
// response body) and produces the client-final-message to send as the
// SASLStep payload.
func (c *Client) Step(serverFirstMsg []byte) ([]byte, error) {
	c.serverFirstMsg = append([]byte(nil), serverFirstMsg...)

	fields := bytes.Split(serverFirstMsg, []byte(","))
	if len(fields) != 3 {
		return nil, fmt.Errorf("scramclient: expected 3 fields in server-first-message, got %d", len(fields))
	}
	if !bytes.HasPrefix(fields[0], []byte("r=")) {
		return nil, errors.New("scramclient: server sent invalid combined nonce")
	}
	if !bytes.HasPrefix(fields[1], []byte("s=")) {
		return nil, errors.New("scramclient: server sent invalid salt")
	}
	if !bytes.HasPrefix(fields[2], []byte("i=")) {
		return nil, errors.New("scramclient: server sent invalid iteration count")
	}

	combinedNonce := fields[0][2:]
	if !bytes.HasPrefix(combinedNonce, c.clientNonce) {
		return nil, errors.New("scramclient: server combined nonce does not extend ours")
	}

	salt, err := b64.DecodeString(string(fields[1][2:]))
	if err != nil {
		return nil, fmt.Errorf("scramclient: decoding salt: %w", err)
	}

	var iterCount int
	if _, err := fmt.Sscanf(string(fields[2][2:]), "%d", &iterCount); err != nil {
		return nil, fmt.Errorf("scramclient: parsing iteration count: %w", err)
	}

	c.saltedPassword = pbkdf2HMAC(c.hashFn, []byte(c.password), salt, iterCount)

	var final bytes.Buffer
	final.Grow(128)
	final.WriteString("c=biws,r=")
	final.Write(combinedNonce)
	c.clientFinalMsgWithoutProof = append([]byte(nil), final.Bytes()...)

	proof, err := c.clientProof()
	if err != nil {
		return nil, err
	}

	final.WriteString(",p=")
	final.Write(proof)

	return final.Bytes(), nil
}

// VerifyServerSignature checks the "v=" field of the server's final
// response (the SASLStep success payload) against the expected signature.
// Auth must be treated as failed if this returns an error, even if the
// server reported StatusSuccess.
func (c *Client) VerifyServerSignature(serverFinalMsg []byte) error {
	if !bytes.HasPrefix(serverFinalMsg, []byte("v=")) {
		return errors.New("scramclient: server final message missing signature")
	}

	want, err := c.serverSignature()
	if err != nil {
		return err
	}

	if !bytes.Equal(serverFinalMsg[2:], want) {
		return errors.New("scramclient: server signature mismatch")
	}

	return nil
}

func (c *Client) authMessage() []byte {
	var msg bytes.Buffer
	msg.Grow(256)
	msg.Write(c.clientFirstMsgBare)
	msg.WriteString(",")
	msg.Write(c.serverFirstMsg)
	msg.WriteString(",")
	msg.Write(c.clientFinalMsgWithoutProof)
	return msg.Bytes()
}

func (c *Client) clientProof() ([]byte, error) {
	if c.saltedPassword == nil {
		return nil, ErrNotStarted
	}

	mac := hmac.New(c.hashFn, c.saltedPassword)
	mac.Write([]byte("Client Key"))
	clientKey := mac.Sum(nil)

	h := c.hashFn()
	h.Write(clientKey)
	storedKey := h.Sum(nil)

	mac = hmac.New(c.hashFn, storedKey)
	mac.Write(c.authMessage())
	clientSignature := mac.Sum(nil)

	proof := make([]byte, len(clientKey))
	for i, b := range clientKey {
		proof[i] = b ^ clientSignature[i]
	}

	encoded := make([]byte, b64.EncodedLen(len(proof)))
	b64.Encode(encoded, proof)
	return encoded, nil
}

func (c *Client) serverSignature() ([]byte, error) {
	if c.saltedPassword == nil {
		return nil, ErrNotStarted
	}

	mac := hmac.New(c.hashFn, c.saltedPassword)
	mac.Write([]byte("Server Key"))
	serverKey := mac.Sum(nil)

	mac = hmac.New(c.hashFn, serverKey)
	mac.Write(c.authMessage())
	sig := mac.Sum(nil)

	encoded := make([]byte, b64.EncodedLen(len(sig)))
	b64.Encode(encoded, sig)
	return encoded, nil
}

// pbkdf2HMAC is PBKDF2 (RFC 2898) specialized to an HMAC pseudorandom
// function, as SCRAM requires for SaltedPassword. Implemented directly
// (rather than importing golang.org/x/crypto/pbkdf2, not present in this
// module's dependency set) following the same iterated-HMAC-XOR loop the
// teacher's scramserver uses for its own salted-password derivation.
func pbkdf2HMAC(hashFn func() hash.Hash, password, salt []byte, iterCount int) []byte {
	mac := hmac.New(hashFn, password)
	mac.Write(salt)
	mac.Write([]byte{0, 0, 0, 1})
	ui := mac.Sum(nil)
	hi := make([]byte, len(ui))
	copy(hi, ui)

	for i := 1; i < iterCount; i++ {
		mac.Reset()
		mac.Write(ui)
		ui = mac.Sum(ui[:0])
		for j, b := range ui {
			hi[j] ^= b
		}
	}

	return hi
}
