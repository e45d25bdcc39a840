package commands

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/peer"
)

var frameTypes = map[string]frame.Type{
	"announce":     frame.TypeAnnounce,
	"key-exchange": frame.TypeKeyExchange,
	"data":         frame.TypeData,
}

// encode <message>: show how a message is chunked into frames for a given MTU.
func encodeCmd() *cobra.Command {
	var (
		mtu    int
		typ    string
		seq    uint32
		from   string
		rawHex bool
	)
	cmd := &cobra.Command{
		Use:   "encode <message>",
		Short: "Chunk a message into wire frames and print them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := frameTypes[strings.ToLower(typ)]
			if !ok {
				return fmt.Errorf("unknown frame type %q", typ)
			}
			id := peer.NewID()
			if from != "" {
				var err error
				if id, err = peer.ParseID(from); err != nil {
					return err
				}
			}

			payload := []byte(args[0])
			if rawHex {
				var err error
				if payload, err = hex.DecodeString(args[0]); err != nil {
					return fmt.Errorf("decode payload: %w", err)
				}
			}

			frames, err := frame.Encode(t, id, seq, payload, frame.MaxChunkSize(mtu))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s from %s, seq %d: %d bytes in %d frame(s) at mtu %d\n",
				t, id, seq, len(payload), len(frames), mtu)
			for _, f := range frames {
				fmt.Fprintf(out, "  [%d/%d] %3d bytes  %s\n", f.ChunkIndex+1, f.TotalChunks, f.Size(), hex.EncodeToString(f.Marshal()))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&mtu, "mtu", 185, "link MTU")
	cmd.Flags().StringVar(&typ, "type", "data", "frame type: announce, key-exchange or data")
	cmd.Flags().Uint32Var(&seq, "seq", 1, "sequence number")
	cmd.Flags().StringVar(&from, "from", "", "sender peer id (default random)")
	cmd.Flags().BoolVar(&rawHex, "hex", false, "treat the message as hex")
	return cmd
}
