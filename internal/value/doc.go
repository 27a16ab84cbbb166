// Package value provides the document value model for syncgate.
//
// Documents are heterogeneous maps, so every field value is one variant of
// the sealed Value interface: Null, String, Int, Float, Bool, Array or
// Object. Consumers switch exhaustively over these variants; no other
// package can add one.
//
// This package imports nothing internal. Everything else builds on it.
//
// Key rules:
//   - Equal is deep value equality; Int(3) equals Float(3).
//   - MarshalCanonical produces RFC 8785 style JSON (UTF-16 key order, NFC
//     strings) and is the only encoding used for digests.
//   - The "_id" field of an Object is the document identity.
package value
