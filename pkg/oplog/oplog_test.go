package oplog

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestCompareTimestamp(t *testing.T) {
	cases := []struct {
		a, b primitive.Timestamp
		want int
	}{
		{primitive.Timestamp{T: 1, I: 0}, primitive.Timestamp{T: 2, I: 0}, -1},
		{primitive.Timestamp{T: 2, I: 0}, primitive.Timestamp{T: 1, I: 0}, 1},
		{primitive.Timestamp{T: 1, I: 1}, primitive.Timestamp{T: 1, I: 2}, -1},
		{primitive.Timestamp{T: 1, I: 2}, primitive.Timestamp{T: 1, I: 2}, 0},
	}
	for _, tc := range cases {
		if got := compareTimestamp(tc.a, tc.b); got != tc.want {
			t.Errorf("compareTimestamp(%+v, %+v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestEntryID(t *testing.T) {
	insertObj, err := bson.Marshal(bson.D{{Key: "_id", Value: 42}, {Key: "x", Value: "y"}})
	if err != nil {
		t.Fatal(err)
	}
	entry := Entry{Op: OpInsert, Object: insertObj}
	id, err := entry.ID()
	if err != nil {
		t.Fatal(err)
	}
	if id != int32(42) {
		t.Errorf("ID() = %v (%T), want 42", id, id)
	}

	selector, err := bson.Marshal(bson.D{{Key: "_id", Value: 7}})
	if err != nil {
		t.Fatal(err)
	}
	updateEntry := Entry{Op: OpUpdate, Object: insertObj, Object2: selector}
	id, err = updateEntry.ID()
	if err != nil {
		t.Fatal(err)
	}
	if id != int32(7) {
		t.Errorf("update ID() = %v, want 7 (must read o2, not o)", id)
	}
}
