// Package community loads the community definition shared by every replica:
// the master members and the data record types the community uses.
//
// A definition is written in CUE:
//
//	community: {
//		name: "demo"
//		masters: ["<64 hex chars>"]
//		types: {
//			text: {cancellable: true, description: "chat line"}
//			vote: {cancellable: false}
//		}
//	}
//
// System record types (authorize, revoke, cancel-own, cancel-other,
// missing-record) are implicit and may not be redeclared.
package community
