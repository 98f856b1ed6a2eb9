package exports

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"d2dtreasury/integrations/eventlog"
)

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	OccurredAt int64  `parquet:"name=occurred_at, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevDigest string `parquet:"name=prev_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet writes records to a snappy-compressed parquet file at path.
func WriteParquet(path string, records []eventlog.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetRow{
			Sequence:   int64(rec.Sequence),
			ID:         rec.ID.String(),
			Type:       rec.Type,
			OccurredAt: rec.Timestamp,
			Attributes: rec.Attributes,
			PrevDigest: rec.PrevDigest,
			Digest:     rec.Digest,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
