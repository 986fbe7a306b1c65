package netio

import (
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	ln, err := Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().String()

	client, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *Conn
	for i := 0; i < 1000 && server == nil; i++ {
		c, sig := ln.Accept()
		if sig == OK {
			server = c
			break
		}
		time.Sleep(time.Millisecond)
	}
	if server == nil {
		t.Fatal("server never accepted the connection")
	}
	defer server.Close()

	msg := []byte("hello peer")

	var sent int
	for sent < len(msg) {
		n, sig := client.Send(msg[sent:])
		if sig == Closed {
			t.Fatal("unexpected close while sending")
		}
		sent += n
	}

	buf := make([]byte, len(msg))
	var got int
	for got < len(buf) {
		n, sig := server.Recv(buf[got:])
		if sig == Closed {
			t.Fatal("unexpected close while receiving")
		}
		got += n
	}

	if string(buf) != string(msg) {
		t.Fatalf("Recv = %q, want %q", buf, msg)
	}
}

func TestRecvBlocksWhenEmpty(t *testing.T) {
	ln, err := Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	client, err := Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *Conn
	for i := 0; i < 1000 && server == nil; i++ {
		c, sig := ln.Accept()
		if sig == OK {
			server = c
			break
		}
		time.Sleep(time.Millisecond)
	}
	if server == nil {
		t.Fatal("server never accepted the connection")
	}
	defer server.Close()

	buf := make([]byte, 16)
	n, sig := server.Recv(buf)
	if sig != Block || n != 0 {
		t.Fatalf("Recv on empty socket = (%d, %v), want (0, Block)", n, sig)
	}
}
