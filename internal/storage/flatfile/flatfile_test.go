// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package flatfile_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/permbase/permbase/internal/audit"
	"github.com/permbase/permbase/internal/rank"
	"github.com/permbase/permbase/internal/storage"
	"github.com/permbase/permbase/internal/storage/flatfile"
)

var _ = Describe("Flatfile store", func() {
	var (
		ctx   context.Context
		dir   string
		store *flatfile.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		var err error
		store, err = flatfile.Open(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Ranks", func() {
		It("round-trips a rank with world permissions and inheritance", func() {
			in := &rank.Rank{
				Name:        "Moderator",
				DisplayName: "Moderator",
				Weight:      50,
				Permissions: []string{"chat.moderate", "-chat.spam"},
				WorldPermissions: map[string][]string{
					"nether": {"world.nether.enter"},
				},
				Inheritance: []string{"member"},
			}
			Expect(store.SaveRank(ctx, in)).To(Succeed())

			got, err := store.Rank(ctx, "MODERATOR")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Name).To(Equal("moderator"))
			Expect(got.Permissions).To(Equal([]string{"chat.moderate", "-chat.spam"}))
			Expect(got.WorldPermissions).To(HaveKeyWithValue("nether", []string{"world.nether.enter"}))
			Expect(got.Inheritance).To(Equal([]string{"member"}))
		})

		It("returns NOT_FOUND for a missing rank", func() {
			_, err := store.Rank(ctx, "ghost")
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})

		It("lists ranks in name order", func() {
			for _, name := range []string{"zeta", "alpha"} {
				Expect(store.SaveRank(ctx, &rank.Rank{Name: name})).To(Succeed())
			}
			all, err := store.Ranks(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))
			Expect(all[0].Name).To(Equal("alpha"))
			Expect(all[1].Name).To(Equal("zeta"))
		})

		It("rejects a second default rank", func() {
			Expect(store.SaveRank(ctx, &rank.Rank{Name: "member", Default: true})).To(Succeed())
			err := store.SaveRank(ctx, &rank.Rank{Name: "guest", Default: true})
			Expect(err).To(HaveOccurred())

			got, derr := store.DefaultRank(ctx)
			Expect(derr).NotTo(HaveOccurred())
			Expect(got.Name).To(Equal("member"))
		})

		It("deletes a rank and reports NOT_FOUND afterwards", func() {
			Expect(store.SaveRank(ctx, &rank.Rank{Name: "temp"})).To(Succeed())
			Expect(store.DeleteRank(ctx, "temp")).To(Succeed())
			Expect(storage.IsNotFound(store.DeleteRank(ctx, "temp"))).To(BeTrue())
		})

		It("rejects a hand-edited file that breaks the schema", func() {
			Expect(store.SaveRank(ctx, &rank.Rank{Name: "member"})).To(Succeed())
			path := filepath.Join(dir, "ranks.json")
			Expect(os.WriteFile(path, []byte(`[{"name": 42}]`), 0o640)).To(Succeed())

			_, err := store.Rank(ctx, "member")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Principals", func() {
		It("round-trips a full record", func() {
			exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
			in := &rank.Principal{
				ID:                   "c0ffee",
				DisplayName:          "Alex",
				PrimaryRank:          "Member",
				SecondaryRanks:       []string{"vip"},
				Permissions:          []string{"home.set"},
				WorldPermissions:     map[string][]string{"creative": {"build.place"}},
				TemporaryRanks:       map[string]time.Time{"event": exp},
				TemporaryPermissions: map[string]time.Time{"perk.fly": exp},
				Metadata:             map[string]string{"locale": "en_US"},
			}
			Expect(store.SavePrincipal(ctx, in)).To(Succeed())

			got, err := store.Principal(ctx, "c0ffee")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PrimaryRank).To(Equal("member"))
			Expect(got.SecondaryRanks).To(Equal([]string{"vip"}))
			Expect(got.TemporaryRanks["event"].Equal(exp)).To(BeTrue())
			Expect(got.Metadata).To(HaveKeyWithValue("locale", "en_US"))
		})

		It("rejects ids containing path separators", func() {
			err := store.SavePrincipal(ctx, &rank.Principal{ID: "../escape"})
			Expect(err).To(HaveOccurred())
		})

		It("lists records in id order", func() {
			Expect(store.SavePrincipal(ctx, &rank.Principal{ID: "b"})).To(Succeed())
			Expect(store.SavePrincipal(ctx, &rank.Principal{ID: "a"})).To(Succeed())

			all, err := store.Principals(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))
			Expect(all[0].ID).To(Equal("a"))
		})

		It("deletes a record", func() {
			Expect(store.SavePrincipal(ctx, &rank.Principal{ID: "gone"})).To(Succeed())
			Expect(store.DeletePrincipal(ctx, "gone")).To(Succeed())
			_, err := store.Principal(ctx, "gone")
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Audit log", func() {
		appendAt := func(target string, ts time.Time) {
			e := audit.NewEntry(audit.Console(), "rank.create", target, "created")
			e.Timestamp = ts
			Expect(store.AppendAudit(ctx, e)).To(Succeed())
		}

		It("pages entries newest first", func() {
			base := time.Now().UTC().Truncate(time.Second)
			appendAt("rank:a", base)
			appendAt("rank:b", base.Add(time.Minute))
			appendAt("rank:c", base.Add(2*time.Minute))

			page, err := store.AuditPage(ctx, audit.Query{Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(HaveLen(2))
			Expect(page[0].Target).To(Equal("rank:c"))
			Expect(page[1].Target).To(Equal("rank:b"))
		})

		It("filters by target", func() {
			base := time.Now().UTC()
			appendAt("rank:a", base)
			appendAt("rank:b", base)

			page, err := store.AuditPage(ctx, audit.Query{Target: "rank:a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(HaveLen(1))
		})

		It("trims entries older than the cutoff", func() {
			base := time.Now().UTC().Truncate(time.Second)
			appendAt("rank:a", base)
			appendAt("rank:b", base.Add(time.Hour))

			n, err := store.TrimAudit(ctx, base.Add(time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeEquivalentTo(1))

			page, err := store.AuditPage(ctx, audit.Query{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(HaveLen(1))
			Expect(page[0].Target).To(Equal("rank:b"))
		})

		It("skips torn trailing lines", func() {
			appendAt("rank:a", time.Now().UTC())
			f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o640)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.WriteString(`{"id":"truncat`)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())

			page, err := store.AuditPage(ctx, audit.Query{})
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(HaveLen(1))
		})
	})
})
