// Command postvault is a small, front-end-free integration smoke test for
// the core: it opens a store, creates a user's default mailbox and
// calendar, and exercises put/get/diff end to end, with no IMAP/CalDAV
// listeners of its own since the real wire-protocol front-ends live
// elsewhere.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"path/filepath"
	"time"

	"crawshaw.io/iox"
	"postvault.dev/collection"
	"postvault.dev/cryptobox"
	"postvault.dev/gc"
	"postvault.dev/ident"
	"postvault.dev/namespace"
	"postvault.dev/storage"
	"postvault.dev/storage/sqlitestore"
)

func main() {
	log.SetFlags(0)

	flagDBDir := flag.String("dbdir", "", "postvault store directory")
	flagMasterKey := flag.String("master_key", "", "hex-encoded 32-byte master key (dev mode generates one if omitted)")
	flagDemo := flag.Bool("demo", false, "exercise put/get/diff against a throwaway item after opening the store")

	flag.Parse()

	ctx := context.Background()
	filer := iox.NewFiler(0)

	dbdir := *flagDBDir
	if dbdir == "" {
		tempdir, err := ioutil.TempDir("", "postvault-")
		if err != nil {
			log.Fatal(err)
		}
		filer.SetTempdir(tempdir)
		dbdir = tempdir
		log.Printf("no -dbdir given, using temp dir %s", dbdir)
	}

	masterKey, err := loadOrGenMasterKey(*flagMasterKey)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("postvault starting at %s", time.Now())

	store, err := sqlitestore.Open(filepath.Join(dbdir, "postvault.db"), filer, 4)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	shard := "user/default"
	mbAddr := storage.RowAddress{Shard: shard, Sort: "mailboxes/list"}
	calAddr := storage.RowAddress{Shard: shard, Sort: "calendars/list"}

	mailboxes, mbCreated, err := namespace.Load(ctx, store, mbAddr, masterKey, "INBOX")
	if err != nil {
		log.Fatal(err)
	}
	if mbCreated {
		if err := namespace.Save(ctx, store, mbAddr, masterKey, mailboxes); err != nil {
			log.Fatal(err)
		}
		log.Printf("created default mailbox INBOX")
	}

	calendars, calCreated, err := namespace.Load(ctx, store, calAddr, masterKey, "Personal")
	if err != nil {
		log.Fatal(err)
	}
	if calCreated {
		if err := namespace.Save(ctx, store, calAddr, masterKey, calendars); err != nil {
			log.Fatal(err)
		}
		log.Printf("created default calendar Personal")
	}

	inboxID, _ := mailboxes.Get("INBOX")
	personalID, _ := calendars.Get("Personal")
	log.Printf("INBOX id=%s, Personal id=%s", inboxID, personalID)

	if *flagDemo {
		if err := runDemo(ctx, store, masterKey, inboxID, personalID); err != nil {
			log.Fatal(err)
		}
	}
}

func loadOrGenMasterKey(hexKey string) (cryptobox.Key, error) {
	if hexKey == "" {
		k, err := cryptobox.GenKey()
		if err != nil {
			return cryptobox.Key{}, err
		}
		log.Printf("***DEVELOPMENT MODE*** generated master key %s", hex.EncodeToString(k[:]))
		return k, nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return cryptobox.Key{}, fmt.Errorf("-master_key: %v", err)
	}
	return cryptobox.KeyFromBytes(b)
}

// runDemo exercises the Collection Facade end to end, the way a front-end
// eventually will: a mail Put/Get and a calendar Put/Diff.
func runDemo(ctx context.Context, store storage.Store, masterKey cryptobox.Key, inboxID, calID ident.UniqueIdent) error {
	mb, err := collection.OpenMailbox(ctx, store, inboxID, masterKey)
	if err != nil {
		return fmt.Errorf("open mailbox: %v", err)
	}
	msgID, entry, err := mb.Put(ctx, []string{"\\Recent"}, []byte("From: demo@postvault\r\n\r\nhello"))
	if err != nil {
		return fmt.Errorf("mailbox put: %v", err)
	}
	log.Printf("mailbox: put %s -> uid=%d modseq=%d", msgID, entry.UID, entry.Modseq)

	body, err := mb.Get(ctx, msgID)
	if err != nil {
		return fmt.Errorf("mailbox get: %v", err)
	}
	log.Printf("mailbox: get %s -> %d bytes", msgID, len(body))

	idx, err := mb.UIDIndex(ctx)
	if err != nil {
		return fmt.Errorf("mailbox uid index: %v", err)
	}
	log.Printf("mailbox: uidnext=%d uidvalidity=%d", idx.UIDNext(), idx.Uidvalidity)

	cal, err := collection.OpenCalendar(ctx, store, calID, masterKey)
	if err != nil {
		return fmt.Errorf("open calendar: %v", err)
	}
	evtID, calEntry, err := cal.Put(ctx, "demo.ics", []byte("BEGIN:VEVENT\r\nEND:VEVENT"))
	if err != nil {
		return fmt.Errorf("calendar put: %v", err)
	}
	log.Printf("calendar: put %s -> %s (%s)", evtID, calEntry.FileName, calEntry.Etag)

	token, changes, err := cal.Diff(ctx, evtID)
	if err != nil {
		return fmt.Errorf("calendar diff: %v", err)
	}
	log.Printf("calendar: diff(%s) -> token=%s, %d changes", evtID, token, len(changes))

	reclaim, err := gc.Sweep(ctx, store, fmt.Sprintf("mailbox/%s/", inboxID), map[ident.UniqueIdent]bool{msgID: true})
	if err != nil {
		return fmt.Errorf("gc sweep: %v", err)
	}
	log.Printf("%s", reclaim)

	return nil
}
