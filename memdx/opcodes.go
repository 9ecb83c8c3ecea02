/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package memdx implements the binary memcached-style protocol used for
// the key/value data path: the 24-byte framed header, opcodes, status
// codes and HELLO feature codes a client needs to dial, authenticate and
// exchange document operations with a Couchbase node.
package memdx

// Magic identifies whether a frame is a request or a response.
type Magic uint8

const (
	MagicReq = Magic(0x80)
	MagicRes = Magic(0x81)
)

// OpCode identifies the operation a frame performs.
type OpCode uint8

const (
	OpGet          = OpCode(0x00)
	OpSet          = OpCode(0x01)
	OpAdd          = OpCode(0x02)
	OpReplace      = OpCode(0x03)
	OpDelete       = OpCode(0x04)
	OpIncrement    = OpCode(0x05)
	OpDecrement    = OpCode(0x06)
	OpNoop         = OpCode(0x0a)
	OpAppend       = OpCode(0x0e)
	OpPrepend      = OpCode(0x0f)
	OpTouch        = OpCode(0x1c)
	OpGetAndTouch  = OpCode(0x1d)
	OpHello        = OpCode(0x1f)
	OpSASLListMechs = OpCode(0x20)
	OpSASLAuth     = OpCode(0x21)
	OpSASLStep     = OpCode(0x22)
	OpGetClusterConfig = OpCode(0xb5)
	OpSelectBucket = OpCode(0x89)
	OpObserveSeqNo = OpCode(0x91)
	OpObserve      = OpCode(0x92)
	OpGetLocked    = OpCode(0x94)
	OpSubDocGet            = OpCode(0xc5)
	OpSubDocExists         = OpCode(0xc6)
	OpSubDocDictAdd        = OpCode(0xc7)
	OpSubDocDictUpsert     = OpCode(0xc8)
	OpSubDocDelete         = OpCode(0xc9)
	OpSubDocReplace        = OpCode(0xca)
	OpSubDocArrayPushLast  = OpCode(0xcb)
	OpSubDocArrayPushFirst = OpCode(0xcc)
	OpSubDocArrayInsert    = OpCode(0xcd)
	OpSubDocArrayAddUnique = OpCode(0xce)
	OpSubDocCounter        = OpCode(0xcf)
	OpSubDocMultiLookup    = OpCode(0xd0)
	OpSubDocMultiMutation  = OpCode(0xd1)
	OpGetErrorMap          = OpCode(0xfe)
)

// StatusCode is the 2-byte server response status.
type StatusCode uint16

const (
	StatusSuccess         = StatusCode(0x00)
	StatusKeyNotFound     = StatusCode(0x01)
	StatusKeyExists       = StatusCode(0x02)
	StatusTooBig          = StatusCode(0x03)
	StatusInvalidArgs     = StatusCode(0x04)
	StatusNotStored       = StatusCode(0x05)
	StatusNotMyVBucket    = StatusCode(0x07)
	StatusAuthStale       = StatusCode(0x1f)
	StatusAuthError       = StatusCode(0x20)
	StatusAuthContinue    = StatusCode(0x21)
	StatusUnknownCommand  = StatusCode(0x81)
	StatusOutOfMemory     = StatusCode(0x82)
	StatusNotSupported    = StatusCode(0x83)
	StatusInternalError   = StatusCode(0x84)
	StatusBusy            = StatusCode(0x85)
	StatusTmpFail         = StatusCode(0x86)
)

// HelloFeature is a feature code negotiated during the HELLO handshake.
type HelloFeature uint16

const (
	FeatureDatatype        = HelloFeature(0x01)
	FeatureTLS             = HelloFeature(0x02)
	FeatureTCPNoDelay      = HelloFeature(0x03)
	FeatureSeqNo           = HelloFeature(0x04)
	FeatureXattr           = HelloFeature(0x06)
	FeatureXerror          = HelloFeature(0x07)
	FeatureSelectBucket    = HelloFeature(0x08)
	FeatureSnappy          = HelloFeature(0x0a)
	FeatureJSON            = HelloFeature(0x0b)
	FeatureDuplex          = HelloFeature(0x0c)
	FeatureClusterMapNotif = HelloFeature(0x0d)
	FeatureUnorderedExec   = HelloFeature(0x0e)
	FeatureDurations       = HelloFeature(0x0f)
	FeatureAltRequests     = HelloFeature(0x10)
	FeatureSyncReplication = HelloFeature(0x11)
	FeatureCollections     = HelloFeature(0x12)
	FeatureOpenTracing     = HelloFeature(0x13)
)

// DefaultHelloFeatures is the feature set the connection pool requests on
// every HELLO handshake, per spec §4.3.
var DefaultHelloFeatures = []HelloFeature{
	FeatureXerror,
	FeatureSelectBucket,
	FeatureSnappy,
	FeatureTCPNoDelay,
	FeatureSyncReplication,
	FeatureAltRequests,
	FeatureCollections,
	FeatureOpenTracing,
}
