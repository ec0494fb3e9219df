package db

import "testing"

func TestConnectRejectsEmptyDSN(t *testing.T) {
	if _, err := Connect(""); err == nil {
		t.Fatal("expected an error for an empty dsn")
	}
}

func TestConnectOpensHandle(t *testing.T) {
	d, err := Connect("postgres://u:p@localhost:5432/x?sslmode=disable")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.Close()
}
